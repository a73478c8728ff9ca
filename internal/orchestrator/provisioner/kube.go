// SPDX-License-Identifier: MIT

package provisioner

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/browsergrid/browsergrid/internal/log"
)

const (
	serviceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"
	kubeRequestLimit  = 1 << 20
)

// Kube provisions nodes as pods through the kubernetes REST API using
// the in-cluster service account. This is the "k8s" back-end.
type Kube struct {
	apiServer    string
	namespace    string
	token        string
	orchestrator string
	busURL       string
	client       *http.Client
	logger       zerolog.Logger
}

// NewKube reads the in-cluster service account credentials. apiServer
// defaults to the KUBERNETES_SERVICE_HOST/PORT environment.
func NewKube(apiServer, namespace, orchestratorID, busURL string) (*Kube, error) {
	if apiServer == "" {
		host := os.Getenv("KUBERNETES_SERVICE_HOST")
		port := os.Getenv("KUBERNETES_SERVICE_PORT")
		if host == "" || port == "" {
			return nil, fmt.Errorf("no api server configured and not running in-cluster")
		}
		apiServer = "https://" + host + ":" + port
	}

	token, err := os.ReadFile(serviceAccountDir + "/token")
	if err != nil {
		return nil, fmt.Errorf("read service account token: %w", err)
	}
	if namespace == "" {
		ns, err := os.ReadFile(serviceAccountDir + "/namespace")
		if err != nil {
			return nil, fmt.Errorf("read service account namespace: %w", err)
		}
		namespace = string(bytes.TrimSpace(ns))
	}

	caPool := x509.NewCertPool()
	ca, err := os.ReadFile(serviceAccountDir + "/ca.crt")
	if err != nil {
		return nil, fmt.Errorf("read cluster ca: %w", err)
	}
	if !caPool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("cluster ca contains no certificates")
	}

	return &Kube{
		apiServer:    apiServer,
		namespace:    namespace,
		token:        string(bytes.TrimSpace(token)),
		orchestrator: orchestratorID,
		busURL:       busURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: caPool, MinVersion: tls.VersionTLS12},
			},
		},
		logger: log.WithComponent("provisioner.kube"),
	}, nil
}

func (k *Kube) Name() string { return "k8s" }

func (k *Kube) podName(sessionID string) string {
	return "browsergrid-node-" + sessionID
}

// pod is the subset of the v1.Pod schema the provisioner touches.
type pod struct {
	Metadata podMetadata `json:"metadata"`
	Spec     podSpec     `json:"spec,omitempty"`
	Status   podStatus   `json:"status,omitempty"`
}

type podMetadata struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
}

type podSpec struct {
	RestartPolicy string      `json:"restartPolicy,omitempty"`
	Containers    []container `json:"containers,omitempty"`
}

type container struct {
	Name  string   `json:"name"`
	Image string   `json:"image"`
	Env   []envVar `json:"env,omitempty"`
}

type envVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type podStatus struct {
	Phase string `json:"phase,omitempty"`
}

type podList struct {
	Items []pod `json:"items"`
}

func (k *Kube) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, k.apiServer+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+k.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, kubeRequestLimit))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, payload, nil
}

func (k *Kube) podsPath() string {
	return "/api/v1/namespaces/" + k.namespace + "/pods"
}

func (k *Kube) Provision(ctx context.Context, req Request) (map[string]string, error) {
	name := k.podName(req.SessionID)
	body := pod{
		Metadata: podMetadata{
			Name: name,
			Labels: map[string]string{
				"app":             "browsergrid-node",
				LabelOrchestrator: k.orchestrator,
				LabelSession:      req.SessionID,
			},
		},
		Spec: podSpec{
			RestartPolicy: "Never",
			Containers: []container{{
				Name:  "node",
				Image: req.Image,
				Env: []envVar{
					{Name: EnvSessionID, Value: req.SessionID},
					{Name: EnvSlotToken, Value: req.SlotToken},
					{Name: EnvOrchestrator, Value: req.Orchestrator},
					{Name: EnvBusURL, Value: k.busURL},
					{Name: EnvCapabilities, Value: string(req.RawCapabilities)},
				},
			}},
		},
	}

	status, payload, err := k.do(ctx, http.MethodPost, k.podsPath(), body)
	if err != nil {
		return nil, fmt.Errorf("create pod %s: %w", name, err)
	}
	switch {
	case status == http.StatusConflict:
		// Redelivered provisioning job; the pod exists.
		k.logger.Info().Str(log.FieldSessionID, req.SessionID).Msg("pod already provisioned")
	case status < 200 || status >= 300:
		return nil, fmt.Errorf("create pod %s: api status %d: %s", name, status, payload)
	}

	return map[string]string{"pod": name, "namespace": k.namespace, "image": req.Image}, nil
}

func (k *Kube) listOwnPods(ctx context.Context) ([]pod, error) {
	selector := url.QueryEscape(LabelOrchestrator + "=" + k.orchestrator)
	status, payload, err := k.do(ctx, http.MethodGet, k.podsPath()+"?labelSelector="+selector, nil)
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list pods: api status %d", status)
	}
	var list podList
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("decode pod list: %w", err)
	}
	return list.Items, nil
}

func (k *Kube) AliveSessions(ctx context.Context) ([]string, error) {
	pods, err := k.listOwnPods(ctx)
	if err != nil {
		return nil, err
	}
	var alive []string
	for _, p := range pods {
		if p.Status.Phase != "Running" && p.Status.Phase != "Pending" {
			continue
		}
		if id := p.Metadata.Labels[LabelSession]; id != "" {
			alive = append(alive, id)
		}
	}
	return alive, nil
}

func (k *Kube) PurgeTerminated(ctx context.Context) error {
	pods, err := k.listOwnPods(ctx)
	if err != nil {
		return err
	}
	for _, p := range pods {
		if p.Status.Phase != "Succeeded" && p.Status.Phase != "Failed" {
			continue
		}
		status, _, err := k.do(ctx, http.MethodDelete, k.podsPath()+"/"+p.Metadata.Name, nil)
		if err != nil || (status != http.StatusOK && status != http.StatusNotFound) {
			k.logger.Warn().Err(err).Int("status", status).Str("pod", p.Metadata.Name).Msg("pod delete failed")
		}
	}
	return nil
}
