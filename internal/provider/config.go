// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider

import (
	"net/url"
	"slices"
	"strings"

	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// Kind selects the backend family of a provider.
type Kind string

const (
	KindOllama    Kind = "ollama"
	KindLMStudio  Kind = "lmstudio"
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindGoogle    Kind = "google"
	KindAzure     Kind = "azure"
)

var allKinds = []Kind{KindOllama, KindLMStudio, KindOpenAI, KindAnthropic, KindGoogle, KindAzure}

// Kinds lists every supported provider kind.
func Kinds() []Kind { return slices.Clone(allKinds) }

// IsLocal reports whether the kind runs on the operator's machine.
func (k Kind) IsLocal() bool {
	return k == KindOllama || k == KindLMStudio
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return slices.Contains(allKinds, k)
}

// ParseKind normalizes a configured kind name.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch k {
	case "lm-studio", "lm_studio":
		k = KindLMStudio
	case "gemini":
		k = KindGoogle
	case "azure-openai", "azure_openai":
		k = KindAzure
	}
	if !k.Valid() {
		return "", relayerr.Errorf(relayerr.CodeProviderKindUnsupported, "unsupported provider kind %q", raw)
	}
	return k, nil
}

// ProviderConfig describes one provider. Values are compared with == to
// decide whether an adapter has to be rebuilt, so the struct must stay
// comparable.
type ProviderConfig struct {
	// Name overrides the provider id. Defaults to the kind.
	Name            string  `mapstructure:"name" json:"name,omitempty" yaml:"name,omitempty"`
	Kind            Kind    `mapstructure:"kind" json:"kind" yaml:"kind"`
	Model           string  `mapstructure:"model" json:"model" yaml:"model"`
	Temperature     float64 `mapstructure:"temperature" json:"temperature" yaml:"temperature"`
	MaxOutputTokens int     `mapstructure:"max_output_tokens" json:"max_output_tokens" yaml:"max_output_tokens"`
	Credential      string  `mapstructure:"credential" json:"-" yaml:"-"`
	EndpointURL     string  `mapstructure:"endpoint_url" json:"endpoint_url,omitempty" yaml:"endpoint_url,omitempty"`
}

// ID returns the provider id.
func (c ProviderConfig) ID() string {
	if c.Name != "" {
		return c.Name
	}
	return string(c.Kind)
}

// Validate checks the per-kind invariants without touching the network.
func (c ProviderConfig) Validate() error {
	if !c.Kind.Valid() {
		return relayerr.New(relayerr.CodeProviderKindUnsupported,
			"unsupported provider kind "+string(c.Kind), relayerr.FieldProvider(c.ID()))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return relayerr.Errorf(relayerr.CodeProviderConfigInvalid,
			"%s: temperature must be within [0, 2], got %g", c.ID(), c.Temperature)
	}
	if c.MaxOutputTokens < 0 {
		return relayerr.Errorf(relayerr.CodeProviderConfigInvalid,
			"%s: max_output_tokens must not be negative, got %d", c.ID(), c.MaxOutputTokens)
	}
	if !c.Kind.IsLocal() && strings.TrimSpace(c.Credential) == "" {
		return relayerr.New(relayerr.CodeProviderConfigInvalid,
			c.ID()+": credential is required for hosted providers", relayerr.FieldProvider(c.ID()))
	}
	switch c.Kind {
	case KindLMStudio:
		if strings.TrimSpace(c.EndpointURL) == "" {
			return relayerr.New(relayerr.CodeProviderConfigInvalid,
				c.ID()+": endpoint_url is required", relayerr.FieldProvider(c.ID()))
		}
	case KindAzure:
		if _, err := ParseAzureEndpoint(c.EndpointURL); err != nil {
			return relayerr.With(err, relayerr.FieldProvider(c.ID()))
		}
	}
	return nil
}

// AzureEndpoint is the decomposed form of an Azure OpenAI deployment URL
// such as https://res.openai.azure.com/openai/deployments/gpt4o/chat/completions?api-version=2024-06-01.
type AzureEndpoint struct {
	BaseURL    string
	Deployment string
	APIVersion string
}

// ParseAzureEndpoint validates raw and names every missing segment.
func ParseAzureEndpoint(raw string) (AzureEndpoint, error) {
	if strings.TrimSpace(raw) == "" {
		return AzureEndpoint{}, relayerr.New(relayerr.CodeProviderConfigInvalid,
			"azure endpoint_url is required and must contain a deployment path (/openai/deployments/<name>) and an api-version query parameter")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return AzureEndpoint{}, relayerr.Errorf(relayerr.CodeProviderConfigInvalid,
			"azure endpoint_url %q is not an absolute URL", raw)
	}

	var missing []string
	deployment := deploymentFromPath(u.Path)
	if deployment == "" {
		missing = append(missing, "deployment path (/openai/deployments/<name>)")
	}
	apiVersion := u.Query().Get("api-version")
	if apiVersion == "" {
		missing = append(missing, "api-version query parameter")
	}
	if len(missing) > 0 {
		return AzureEndpoint{}, relayerr.New(relayerr.CodeProviderConfigInvalid,
			"azure endpoint_url is missing "+strings.Join(missing, " and "),
			relayerr.Field("missing", missing))
	}

	return AzureEndpoint{
		BaseURL:    u.Scheme + "://" + u.Host,
		Deployment: deployment,
		APIVersion: apiVersion,
	}, nil
}

func deploymentFromPath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "openai" && parts[i+1] == "deployments" {
			return parts[i+2]
		}
	}
	return ""
}
