package kube

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aideator/aideator-sub000/pkg/sandbox"
)

type objectMeta struct {
	Name      string            `yaml:"name"`
	Namespace string            `yaml:"namespace,omitempty"`
	Labels    map[string]string `yaml:"labels,omitempty"`
}

type secret struct {
	APIVersion string            `yaml:"apiVersion"`
	Kind       string            `yaml:"kind"`
	Metadata   objectMeta        `yaml:"metadata"`
	Type       string            `yaml:"type"`
	StringData map[string]string `yaml:"stringData"`
}

type job struct {
	APIVersion string     `yaml:"apiVersion"`
	Kind       string     `yaml:"kind"`
	Metadata   objectMeta `yaml:"metadata"`
	Spec       jobSpec    `yaml:"spec"`
}

type jobSpec struct {
	BackoffLimit            int         `yaml:"backoffLimit"`
	ActiveDeadlineSeconds   int64       `yaml:"activeDeadlineSeconds,omitempty"`
	TTLSecondsAfterFinished int         `yaml:"ttlSecondsAfterFinished,omitempty"`
	Template                podTemplate `yaml:"template"`
}

type podTemplate struct {
	Metadata objectMeta `yaml:"metadata"`
	Spec     podSpec    `yaml:"spec"`
}

type podSpec struct {
	RestartPolicy      string      `yaml:"restartPolicy"`
	ServiceAccountName string      `yaml:"serviceAccountName,omitempty"`
	Containers         []container `yaml:"containers"`
	Volumes            []volume    `yaml:"volumes"`
}

type container struct {
	Name         string        `yaml:"name"`
	Image        string        `yaml:"image"`
	Command      []string      `yaml:"command,omitempty"`
	Env          []envVar      `yaml:"env,omitempty"`
	Resources    resources     `yaml:"resources"`
	VolumeMounts []volumeMount `yaml:"volumeMounts"`
}

type envVar struct {
	Name      string        `yaml:"name"`
	Value     string        `yaml:"value,omitempty"`
	ValueFrom *envVarSource `yaml:"valueFrom,omitempty"`
}

type envVarSource struct {
	SecretKeyRef keyRef `yaml:"secretKeyRef"`
}

type keyRef struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

type resources struct {
	Limits   map[string]string `yaml:"limits"`
	Requests map[string]string `yaml:"requests"`
}

type volumeMount struct {
	Name      string `yaml:"name"`
	MountPath string `yaml:"mountPath"`
	ReadOnly  bool   `yaml:"readOnly"`
}

type volume struct {
	Name   string       `yaml:"name"`
	Secret secretVolume `yaml:"secret"`
}

type secretVolume struct {
	SecretName string    `yaml:"secretName"`
	Items      []keyPath `yaml:"items"`
}

type keyPath struct {
	Key  string `yaml:"key"`
	Path string `yaml:"path"`
}

const payloadKey = "payload.json"

var invalidName = regexp.MustCompile(`[^a-z0-9-]+`)

// jobName converts a sandbox name into a DNS-1123 label.
func jobName(name string) string {
	n := invalidName.ReplaceAllString(strings.ToLower(name), "-")
	if len(n) > 63 {
		n = n[:63]
	}
	return strings.Trim(n, "-")
}

func secretName(job string) string {
	return job + "-payload"
}

// renderManifests produces a two-document YAML stream: the payload Secret
// followed by the Job that mounts it.
func (r *Runtime) renderManifests(name string, req sandbox.ProvisionRequest) ([]byte, error) {
	payload, err := req.PayloadJSON()
	if err != nil {
		return nil, err
	}
	limits := req.Limits.WithDefaults()
	labels := map[string]string{
		"app.kubernetes.io/name": "aideator",
		"aideator.run":           req.RunID,
		"aideator.variation":     strconv.Itoa(req.Variation),
	}
	secName := secretName(name)

	data := map[string]string{payloadKey: string(payload)}
	env := []envVar{
		{Name: "AIDEATOR_RUN_ID", Value: req.RunID},
		{Name: "AIDEATOR_VARIATION", Value: strconv.Itoa(req.Variation)},
		{Name: "AIDEATOR_PAYLOAD", Value: sandbox.PayloadPath},
	}
	if req.Limits.CloneTimeout > 0 {
		env = append(env, envVar{Name: "AIDEATOR_CLONE_TIMEOUT", Value: strconv.Itoa(int(req.Limits.CloneTimeout.Seconds()))})
	}

	keys := make([]string, 0, len(r.cfg.Env))
	secrets := make(map[string]string, len(r.cfg.Env))
	for _, kv := range r.cfg.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		secrets[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data[k] = secrets[k]
		env = append(env, envVar{Name: k, ValueFrom: &envVarSource{SecretKeyRef: keyRef{Name: secName, Key: k}}})
	}

	cpu := strconv.Itoa(limits.CPUs)
	mem := fmt.Sprintf("%dMi", limits.MemoryMB)

	sec := secret{
		APIVersion: "v1",
		Kind:       "Secret",
		Metadata:   objectMeta{Name: secName, Namespace: r.cfg.Namespace, Labels: labels},
		Type:       "Opaque",
		StringData: data,
	}
	j := job{
		APIVersion: "batch/v1",
		Kind:       "Job",
		Metadata:   objectMeta{Name: name, Namespace: r.cfg.Namespace, Labels: labels},
		Spec: jobSpec{
			BackoffLimit:            0,
			ActiveDeadlineSeconds:   int64(req.Limits.ExecutionTimeout.Seconds()),
			TTLSecondsAfterFinished: r.cfg.TTLAfterFinished,
			Template: podTemplate{
				Metadata: objectMeta{Labels: labels},
				Spec: podSpec{
					RestartPolicy:      "Never",
					ServiceAccountName: r.cfg.ServiceAccount,
					Containers: []container{{
						Name:    "agent",
						Image:   r.cfg.Image,
						Command: r.cfg.Entrypoint,
						Env:     env,
						Resources: resources{
							Limits:   map[string]string{"cpu": cpu, "memory": mem},
							Requests: map[string]string{"cpu": cpu, "memory": mem},
						},
						VolumeMounts: []volumeMount{{Name: "payload", MountPath: "/aideator", ReadOnly: true}},
					}},
					Volumes: []volume{{
						Name: "payload",
						Secret: secretVolume{
							SecretName: secName,
							Items:      []keyPath{{Key: payloadKey, Path: payloadKey}},
						},
					}},
				},
			},
		},
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(sec); err != nil {
		return nil, fmt.Errorf("encoding secret: %w", err)
	}
	if err := enc.Encode(j); err != nil {
		return nil, fmt.Errorf("encoding job: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding manifests: %w", err)
	}
	return buf.Bytes(), nil
}
