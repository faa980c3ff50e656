package compute

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/terrpan/poolscaler/internal/pool"
)

// TokenSource issues agent registration tokens.
type TokenSource interface {
	RegistrationToken(ctx context.Context) (string, error)
}

// ScriptData is the template input for startup scripts.
type ScriptData struct {
	Name   string
	Pool   string
	Group  string
	URL    string
	Token  string
	Labels string
}

// DefaultVMScript registers an ephemeral agent on a VM image that ships
// the runner under /opt/actions-runner.
const DefaultVMScript = `#!/bin/bash
set -euo pipefail

cd /opt/actions-runner
sudo -u runner ./config.sh \
  --unattended \
  --ephemeral \
  --disableupdate \
  --url {{ .URL }} \
  --token {{ .Token }} \
  --name {{ .Name }} \
  --runnergroup {{ .Group }} \
  --labels {{ .Labels }} \
  --no-default-labels
sudo -u runner ./run.sh
`

// DefaultContainerScript does the same inside the upstream runner image.
const DefaultContainerScript = `set -e
cd /home/runner
./config.sh --unattended --ephemeral --disableupdate \
  --url {{ .URL }} --token {{ .Token }} --name {{ .Name }} \
  --runnergroup {{ .Group }} --labels {{ .Labels }} --no-default-labels
exec ./run.sh
`

// Bootstrap renders the script an instance runs on first boot.
type Bootstrap struct {
	tokens TokenSource
	url    string
	group  string
	tmpl   *template.Template
}

// NewBootstrap parses text as a text/template.  Empty text selects
// DefaultVMScript.
func NewBootstrap(tokens TokenSource, url, group, text string) (*Bootstrap, error) {
	if text == "" {
		text = DefaultVMScript
	}
	tmpl, err := template.New("startup").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing startup script: %w", err)
	}
	return &Bootstrap{tokens: tokens, url: url, group: group, tmpl: tmpl}, nil
}

// Render fetches a registration token and renders the script for one
// instance.
func (b *Bootstrap) Render(ctx context.Context, name, poolName string) (string, error) {
	token, err := b.tokens.RegistrationToken(ctx)
	if err != nil {
		return "", fmt.Errorf("registration token: %w", err)
	}

	var buf bytes.Buffer
	err = b.tmpl.Execute(&buf, ScriptData{
		Name:   name,
		Pool:   poolName,
		Group:  b.group,
		URL:    b.url,
		Token:  token,
		Labels: strings.Join(pool.RunnerLabels(b.group, poolName), ","),
	})
	if err != nil {
		return "", fmt.Errorf("rendering startup script: %w", err)
	}
	return buf.String(), nil
}
