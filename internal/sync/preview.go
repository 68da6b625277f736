package sync

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// preview logs what applyPlan would do. Content is fetched to tell real updates from
// identical files, but nothing is written.
func (e *Engine) preview(ctx context.Context, head string, plan *Plan) error {
	dmp := diffmatchpatch.New()

	for _, rel := range plan.Write {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync aborted: %w", err)
		}
		data, err := e.remote.FetchContent(ctx, head, rel)
		if err != nil {
			return fmt.Errorf("failed to fetch %s: %w", rel, err)
		}

		current, err := e.mirror.Read(rel)
		switch {
		case err != nil:
			e.logger.Info("[dry-run] would add", "path", rel, "bytes", len(data))
		case string(current) == string(data):
			continue
		default:
			e.logger.Info("[dry-run] would update", "path", rel, "change", summarize(dmp, current, data))
		}
	}

	for _, rel := range plan.Delete {
		if e.mirror.Exists(rel) && !e.mirror.Ignored(rel) {
			e.logger.Info("[dry-run] would delete", "path", rel)
		}
	}

	files, err := e.mirror.Files()
	if err != nil {
		return err
	}
	for _, rel := range files {
		if !plan.Remote[rel] && !e.mirror.Ignored(rel) {
			e.logger.Info("[dry-run] would prune", "path", rel)
		}
	}
	return nil
}

// summarize describes a modification as added and removed line counts
func summarize(dmp *diffmatchpatch.DiffMatchPatch, oldData, newData []byte) string {
	if !utf8.Valid(oldData) || !utf8.Valid(newData) {
		return fmt.Sprintf("binary, %d -> %d bytes", len(oldData), len(newData))
	}

	a, b, lines := dmp.DiffLinesToChars(string(oldData), string(newData))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var added, removed int
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return fmt.Sprintf("+%d -%d lines", added, removed)
}
