package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/scry/engine"
	"github.com/teranos/scry/errors"
)

// Exec runs a catalog-declared command as an engine. The query is appended
// as the final argument and the command must print a JSON array of
// {title, url, snippet, score?} objects on stdout. Context cancellation
// kills the process, so tier timeouts apply to exec engines like any other.
// Unless the catalog entry declares reentrant, the registry runs at most
// one instance of the command at a time.
type Exec struct {
	desc   engine.Descriptor
	argv   []string
	logger *zap.SugaredLogger
}

// NewExec builds an exec adapter from a catalog entry's descriptor and
// command line. The command is split shell-style once, at construction,
// so a malformed quote fails registration instead of every search.
func NewExec(desc engine.Descriptor, command string, logger *zap.SugaredLogger) (*Exec, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, errors.Wrapf(err, "engine %s: cannot parse command", desc.Code)
	}
	if len(argv) == 0 {
		return nil, errors.Newf("engine %s: empty command", desc.Code)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Exec{desc: desc, argv: argv, logger: logger}, nil
}

func (e *Exec) Descriptor() engine.Descriptor {
	return e.desc
}

type execResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

func (e *Exec) Search(ctx context.Context, query string, maxResults int) ([]engine.Result, error) {
	args := append(append([]string{}, e.argv[1:]...), query)
	cmd := exec.CommandContext(ctx, e.argv[0], args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, errors.Newf("command failed: %s", msg)
	}

	// Rows are kept as raw JSON too, so commands can emit extra fields
	// without losing them.
	var rows []json.RawMessage
	if err := json.Unmarshal(stdout.Bytes(), &rows); err != nil {
		return nil, errors.Wrap(err, "command output is not a JSON result array")
	}

	results := make([]engine.Result, 0, len(rows))
	for _, raw := range rows {
		var row execResult
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, errors.Wrap(err, "malformed result row")
		}
		if row.URL == "" {
			continue
		}
		results = append(results, engine.Result{
			Title:   row.Title,
			URL:     row.URL,
			Snippet: row.Snippet,
			Score:   row.Score,
			Raw:     raw,
		})
		if len(results) >= maxResults {
			break
		}
	}
	return results, nil
}
