// Package artifact implements the pipeline's media producers: sale card
// HTML, browser-captured animation frames, the encoded video clip, and the
// token metadata fetch.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
)

// cardTemplate is the self-contained sale card page. The animation runs in
// CSS so the frame capturer only needs to point a browser at the file.
const cardTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
  body { margin: 0; background: #0d0d12; }
  #{{.RootID}} {
    width: 600px; height: 600px; margin: 0 auto;
    display: flex; align-items: center; justify-content: center;
    animation: pulse 2s ease-in-out infinite;
  }
  #{{.RootID}} img { max-width: 90%; max-height: 90%; }
  @keyframes pulse {
    0%, 100% { transform: scale(1); }
    50% { transform: scale(1.04); }
  }
</style>
</head>
<body>
<div id="{{.RootID}}">
  <img src="{{.AssetURL}}" alt="token {{.TokenID}}">
</div>
</body>
</html>
`

// HTMLConfig holds HTML producer configuration.
type HTMLConfig struct {
	// WorkDir receives the produced files.
	WorkDir string
	// AssetBaseURL is where token images live; the token id is appended.
	AssetBaseURL string
	// RenderRootID names the card's root element, shared with the workflow's
	// checkpoint check and the frame capturer's readiness wait.
	RenderRootID string
}

// HTMLProducer renders the sale card page for a token.
type HTMLProducer struct {
	config HTMLConfig
	tmpl   *template.Template
}

// NewHTMLProducer creates a new HTMLProducer.
func NewHTMLProducer(config HTMLConfig) *HTMLProducer {
	return &HTMLProducer{
		config: config,
		tmpl:   template.Must(template.New("card").Parse(cardTemplate)),
	}
}

// Produce renders the card and writes it to the work directory. The output
// is parsed back before being checkpointed; a card without its render root
// would capture as an empty clip much later in the pipeline, so it is
// rejected here.
func (p *HTMLProducer) Produce(ctx context.Context, tokenID string) (string, error) {
	data := struct {
		RootID   string
		TokenID  string
		AssetURL string
	}{
		RootID:   p.config.RenderRootID,
		TokenID:  tokenID,
		AssetURL: fmt.Sprintf("%s/%s", p.config.AssetBaseURL, tokenID),
	}

	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render sale card: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return "", fmt.Errorf("rendered card is not parseable: %w", err)
	}
	if doc.Find("#" + p.config.RenderRootID).Length() == 0 {
		return "", fmt.Errorf("rendered card is missing the render root")
	}

	if err := os.MkdirAll(p.config.WorkDir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(p.config.WorkDir, fmt.Sprintf("sale-%s-%s.html", tokenID, uuid.NewString()))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", err
	}

	return path, nil
}
