/*
Copyright (c) 2025 Mike Lane

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

// Package kubeconfig builds namespace-scoped kubeconfig documents handed to
// users after their workspace is provisioned.
package kubeconfig

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/client-go/rest"
	clientcmdv1 "k8s.io/client-go/tools/clientcmd/api/v1"
	"sigs.k8s.io/yaml"
)

var (
	// ErrMissingCA is returned when neither inline CA data nor a CA file is configured.
	ErrMissingCA = errors.New("missing CA data")

	// ErrMissingServer is returned when no cluster endpoint is configured.
	ErrMissingServer = errors.New("missing cluster endpoint")
)

const (
	// foldWidth is the line width CA data is folded at before embedding.
	foldWidth = 64

	// DefaultExecCommand is the credential helper users run to obtain tokens.
	DefaultExecCommand = "gke-gcloud-auth-plugin"

	// DefaultClusterName names the cluster entry when none is configured.
	DefaultClusterName = "workshop"

	execAPIVersion = "client.authentication.k8s.io/v1beta1"
	userEntryName  = "workspace-user"
	pemPrefix      = "-----BEGIN"
)

// Options configures a Bundler.
type Options struct {
	// Server is the API server URL written into the cluster entry.
	Server string

	// ClusterName names the cluster entry. Defaults to DefaultClusterName.
	ClusterName string

	// CAData is inline CA material, either PEM or base64 text. Takes
	// precedence over CAFile.
	CAData []byte

	// CAFile is a path to a PEM CA bundle, read on every Build.
	CAFile string

	// Exec is the credential helper stanza. Defaults to DefaultExecCommand.
	Exec *clientcmdv1.ExecConfig
}

// OptionsFromRESTConfig takes the endpoint and CA material from cfg.
func OptionsFromRESTConfig(cfg *rest.Config) Options {
	return Options{
		Server: cfg.Host,
		CAData: cfg.CAData,
		CAFile: cfg.CAFile,
	}
}

// Bundler renders kubeconfig documents for workspace namespaces.
type Bundler struct {
	opts   Options
	tracer trace.Tracer
}

// NewBundler creates a Bundler.
func NewBundler(opts Options) *Bundler {
	if opts.ClusterName == "" {
		opts.ClusterName = DefaultClusterName
	}
	if opts.Exec == nil {
		opts.Exec = DefaultExec(DefaultExecCommand)
	}
	return &Bundler{
		opts:   opts,
		tracer: otel.Tracer("github.com/mikelane/nsgate/internal/kubeconfig"),
	}
}

// DefaultExec returns an exec stanza that delegates token acquisition to command.
func DefaultExec(command string, args ...string) *clientcmdv1.ExecConfig {
	return &clientcmdv1.ExecConfig{
		APIVersion:         execAPIVersion,
		Command:            command,
		Args:               args,
		InstallHint:        fmt.Sprintf("%s is required to authenticate; install it and make sure it is on your PATH", command),
		ProvideClusterInfo: true,
		InteractiveMode:    clientcmdv1.IfAvailableExecInteractiveMode,
	}
}

// Bundle is a generated kubeconfig scoped to one namespace.
type Bundle struct {
	Namespace string
	Config    Config
}

// YAML renders the bundle as a kubeconfig document.
func (b *Bundle) YAML() ([]byte, error) {
	return yaml.Marshal(b.Config)
}

// Build renders a kubeconfig for namespace. It fails with ErrMissingCA when
// no CA material is available, and never returns a partial document.
func (b *Bundler) Build(ctx context.Context, namespace string) (*Bundle, error) {
	_, span := b.tracer.Start(ctx, "kubeconfig.Build",
		trace.WithAttributes(attribute.String("namespace", namespace)))
	defer span.End()

	if b.opts.Server == "" {
		return nil, ErrMissingServer
	}

	ca, err := b.caData()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	contextName := b.opts.ClusterName + "-" + namespace
	return &Bundle{
		Namespace: namespace,
		Config: Config{
			APIVersion: "v1",
			Kind:       "Config",
			Clusters: []NamedCluster{{
				Name: b.opts.ClusterName,
				Cluster: Cluster{
					Server:                   b.opts.Server,
					CertificateAuthorityData: ca,
				},
			}},
			Users: []NamedUser{{
				Name: userEntryName,
				User: User{Exec: b.opts.Exec.DeepCopy()},
			}},
			Contexts: []NamedContext{{
				Name: contextName,
				Context: Context{
					Cluster:   b.opts.ClusterName,
					User:      userEntryName,
					Namespace: namespace,
				},
			}},
			CurrentContext: contextName,
		},
	}, nil
}

// caData returns the CA as folded base64 text.
func (b *Bundler) caData() (string, error) {
	var encoded string
	switch {
	case len(bytes.TrimSpace(b.opts.CAData)) > 0:
		encoded = encodeCA(b.opts.CAData)
	case b.opts.CAFile != "":
		data, err := os.ReadFile(b.opts.CAFile)
		if err != nil {
			return "", fmt.Errorf("failed to read CA file: %w", err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return "", fmt.Errorf("%w: CA file %s is empty", ErrMissingCA, b.opts.CAFile)
		}
		encoded = base64.StdEncoding.EncodeToString(data)
	default:
		return "", ErrMissingCA
	}
	return Fold(encoded, foldWidth), nil
}

// encodeCA base64-encodes PEM input and normalises base64 input by removing
// whitespace.
func encodeCA(data []byte) string {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte(pemPrefix)) {
		return base64.StdEncoding.EncodeToString(data)
	}
	return strings.Join(strings.Fields(string(trimmed)), "")
}

// Fold splits s into lines of at most width characters joined by "\n".
func Fold(s string, width int) string {
	if width <= 0 || len(s) <= width {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + len(s)/width)
	for i := 0; i < len(s); i += width {
		if i > 0 {
			b.WriteByte('\n')
		}
		end := min(i+width, len(s))
		b.WriteString(s[i:end])
	}
	return b.String()
}
