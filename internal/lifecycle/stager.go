package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/otiai10/copy"

	"github.com/schaermu/addonsyncd/internal/addon"
	"github.com/schaermu/addonsyncd/internal/atomicfile"
	"github.com/schaermu/addonsyncd/internal/config"
	"github.com/schaermu/addonsyncd/internal/host"
)

// maxArchiveSize bounds downloaded archives
const maxArchiveSize = 256 << 20

// ErrAlreadyStaged is returned when an archive with the same name is already staged.
var ErrAlreadyStaged = errors.New("archive already staged")

// Stager places archives into staging directories
type Stager struct {
	host    *host.Host
	sources Sources
	client  *http.Client
	logger  *slog.Logger
}

// NewStager creates a stager. client is used for http and https sources.
func NewStager(h *host.Host, sources Sources, client *http.Client, logger *slog.Logger) *Stager {
	return &Stager{host: h, sources: sources, client: client, logger: logger}
}

// Stage downloads or copies the archive at src into the target's staging directory and
// registers that directory as a source. It returns the staged archive path.
func (s *Stager) Stage(ctx context.Context, target config.InstallTarget, src string) (string, error) {
	dir, err := s.host.TranslatePath(target.StagingPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve staging path: %w", err)
	}

	remote, name, err := archiveName(src)
	if err != nil {
		return "", err
	}
	if !MatchesArchive(name, target.ComponentID) {
		return "", fmt.Errorf("archive name %q does not belong to %s", name, target.ComponentID)
	}

	dst := filepath.Join(dir, name)
	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("%s: %w", dst, ErrAlreadyStaged)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	if remote {
		err = s.download(ctx, src, dst)
	} else {
		err = copy.Copy(src, dst)
	}
	if err != nil {
		return "", fmt.Errorf("failed to stage %s: %w", src, err)
	}

	manifest, err := addon.ReadZip(dst)
	if err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("staged archive is not an add-on: %w", err)
	}
	if manifest.ID != "" && manifest.ID != target.ComponentID {
		s.logger.Warn("archive manifest id differs from component id",
			"component", target.ComponentID,
			"manifest_id", manifest.ID)
	}

	if _, err := s.sources.AddSource(target.DisplayName, target.StagingPath); err != nil {
		return "", fmt.Errorf("failed to register staging source: %w", err)
	}

	s.logger.Info("staged archive",
		"component", target.ComponentID,
		"archive", dst,
		"version", manifest.Version)
	return dst, nil
}

func (s *Stager) download(ctx context.Context, src, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveSize+1))
	if err != nil {
		return err
	}
	if len(data) > maxArchiveSize {
		return fmt.Errorf("archive exceeds %d bytes", maxArchiveSize)
	}
	return atomicfile.Write(dst, data, 0644)
}

// archiveName reports whether src is an http(s) URL and the file name it refers to
func archiveName(src string) (remote bool, name string, err error) {
	if u, err := url.Parse(src); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		name = path.Base(u.Path)
		if name == "/" || name == "." || name == "" {
			return true, "", fmt.Errorf("cannot derive archive name from %s", src)
		}
		return true, name, nil
	}

	info, err := os.Stat(src)
	if err != nil {
		return false, "", fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if !info.Mode().IsRegular() {
		return false, "", fmt.Errorf("%s is not a regular file", src)
	}
	return false, filepath.Base(src), nil
}
