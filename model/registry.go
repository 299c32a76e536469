package model

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/RyanBlaney/sonido-unmix/logging"
)

// RegistryProvider loads pretrained targets from a remote registry serving
// the same <target>.json / <target>.umx pair the local layout uses
type RegistryProvider struct {
	baseURL string
	client  *http.Client
	logger  logging.Logger
}

// NewRegistryProvider creates a provider for the given registry base URL. A
// nil client gets a default with a generous download timeout.
func NewRegistryProvider(baseURL string, client *http.Client) (*RegistryProvider, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid registry URL %q: %w", baseURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("registry URL %q must be absolute", baseURL)
	}

	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}

	return &RegistryProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger: logging.WithFields(logging.Fields{
			"component": "registry_provider",
			"registry":  baseURL,
		}),
	}, nil
}

// Load fetches, assembles and freezes the named target model
func (p *RegistryProvider) Load(target string) (*Estimator, error) {
	metaBody, err := p.fetch(target, target+".json")
	if err != nil {
		return nil, err
	}
	defer metaBody.Close()

	var doc modelDocument
	if err := json.NewDecoder(metaBody).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing registry metadata for %q: %w", target, err)
	}

	weightsBody, err := p.fetch(target, target+".umx")
	if err != nil {
		return nil, err
	}
	defer weightsBody.Close()

	tensors, err := ReadWeights(bufio.NewReader(weightsBody))
	if err != nil {
		return nil, fmt.Errorf("decoding registry weights for %q: %w", target, err)
	}

	p.logger.Debug("loaded registry model", logging.Fields{
		"target":  target,
		"tensors": len(tensors),
	})

	return buildEstimator(doc.hyperparameters(), tensors)
}

func (p *RegistryProvider) fetch(target, name string) (io.ReadCloser, error) {
	resp, err := p.client.Get(p.baseURL + "/" + url.PathEscape(name))
	if err != nil {
		return nil, fmt.Errorf("registry unreachable fetching %q: %w", name, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("registry has no model named %q: %w", target, ErrModelNotFound)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("registry returned %s fetching %q", resp.Status, name)
	}
}
