package localmedia

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/platform/ctxutil"
)

// Tools shells out to poppler-utils. The worker runtime must carry
// pdftoppm and pdfinfo in PATH; cutout rendering and the OCR fallback
// both rasterize through here.
//
// Synchronous and deterministic. Call from worker jobs, not request
// handlers.
type Tools interface {
	AssertReady(ctx context.Context) error

	CountPDFPages(ctx context.Context, pdfPath string) (int, error)
	RenderPDFToImages(ctx context.Context, pdfPath string, outDir string, opts PDFRenderOptions) ([]string, error)
	RenderPDFPage(ctx context.Context, pdfPath string, outDir string, page int, opts PDFRenderOptions) (string, error)

	// Helper for callers who only have bytes:
	WriteTempFile(ctx context.Context, data []byte, suffix string) (string, func(), error)
}

type PDFRenderOptions struct {
	DPI       int
	Format    string // "png" or "jpeg"
	FirstPage int    // 1-based, 0 means default
	LastPage  int    // 1-based, 0 means default
}

type tools struct {
	log *logger.Logger

	pdftoppmPath string
	pdfinfoPath  string

	workRoot string

	defaultTimeout time.Duration
}

func New(log *logger.Logger) Tools {
	slog := log.With("service", "LocalMediaTools")
	return &tools{
		log:            slog,
		pdftoppmPath:   "pdftoppm",
		pdfinfoPath:    "pdfinfo",
		workRoot:       "/tmp/extraction-media",
		defaultTimeout: 10 * time.Minute,
	}
}

func (m *tools) AssertReady(ctx context.Context) error {
	for _, bin := range []string{m.pdftoppmPath, m.pdfinfoPath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("missing required binary %q in PATH: %w", bin, err)
		}
	}
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return fmt.Errorf("create workRoot: %w", err)
	}
	return nil
}

func (m *tools) WriteTempFile(ctx context.Context, data []byte, suffix string) (string, func(), error) {
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return "", func() {}, fmt.Errorf("mkdir workRoot: %w", err)
	}
	h := sha256.Sum256(data)
	base := hex.EncodeToString(h[:])[:16]
	if suffix != "" && !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	path := filepath.Join(m.workRoot, fmt.Sprintf("%s%s", base, suffix))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", func() {}, fmt.Errorf("write temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(path) }
	return path, cleanup, nil
}

func (m *tools) CountPDFPages(ctx context.Context, pdfPath string) (int, error) {
	ctx = ctxutil.Default(ctx)
	if pdfPath == "" {
		return 0, fmt.Errorf("pdfPath required")
	}
	if _, err := exec.LookPath(m.pdfinfoPath); err != nil {
		return 0, fmt.Errorf("pdfinfo not found in PATH: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.pdfinfoPath, pdfPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("pdfinfo failed: %w; out=%s", err, string(out))
	}

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Pages:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil || n <= 0 {
			continue
		}
		return n, nil
	}

	return 0, fmt.Errorf("pdfinfo output missing Pages field")
}

func (m *tools) RenderPDFToImages(ctx context.Context, pdfPath string, outDir string, opts PDFRenderOptions) ([]string, error) {
	ctx = ctxutil.Default(ctx)
	if err := m.AssertReady(ctx); err != nil {
		return nil, err
	}
	if pdfPath == "" {
		return nil, fmt.Errorf("pdfPath required")
	}
	if outDir == "" {
		return nil, fmt.Errorf("outDir required")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir outDir: %w", err)
	}

	dpi, format, err := normalizeRenderOptions(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	prefix := filepath.Join(outDir, "page")
	args := []string{"-r", strconv.Itoa(dpi)}
	if format == "png" {
		args = append(args, "-png")
	} else {
		args = append(args, "-jpeg")
	}
	if opts.FirstPage > 0 {
		args = append(args, "-f", strconv.Itoa(opts.FirstPage))
	}
	if opts.LastPage > 0 {
		args = append(args, "-l", strconv.Itoa(opts.LastPage))
	}
	args = append(args, pdfPath, prefix)

	cmd := exec.CommandContext(ctx, m.pdftoppmPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w; out=%s", err, string(out))
	}

	paths, err := globSorted(outDir, "^page-\\d+\\.(png|jpe?g)$")
	if err != nil || len(paths) == 0 {
		paths2, _ := globSorted(outDir, ".*\\.(png|jpe?g)$")
		if len(paths2) == 0 {
			return nil, fmt.Errorf("no images produced by pdftoppm; out=%s", string(out))
		}
		return paths2, nil
	}
	return paths, nil
}

func (m *tools) RenderPDFPage(ctx context.Context, pdfPath string, outDir string, page int, opts PDFRenderOptions) (string, error) {
	ctx = ctxutil.Default(ctx)
	if err := m.AssertReady(ctx); err != nil {
		return "", err
	}
	if pdfPath == "" {
		return "", fmt.Errorf("pdfPath required")
	}
	if outDir == "" {
		return "", fmt.Errorf("outDir required")
	}
	if page <= 0 {
		return "", fmt.Errorf("page must be >= 1")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir outDir: %w", err)
	}

	dpi, format, err := normalizeRenderOptions(opts)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	prefix := filepath.Join(outDir, fmt.Sprintf("page_%04d", page))
	args := []string{"-r", strconv.Itoa(dpi)}
	if format == "png" {
		args = append(args, "-png")
	} else {
		args = append(args, "-jpeg")
	}
	args = append(args, "-f", strconv.Itoa(page), "-l", strconv.Itoa(page), pdfPath, prefix)

	cmd := exec.CommandContext(ctx, m.pdftoppmPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("pdftoppm failed: %w; out=%s", err, string(out))
	}

	pattern := fmt.Sprintf("^page_%04d-\\d+\\.(png|jpe?g)$", page)
	paths, err := globSorted(outDir, pattern)
	if err != nil || len(paths) == 0 {
		paths2, _ := globSorted(outDir, ".*\\.(png|jpe?g)$")
		if len(paths2) == 0 {
			return "", fmt.Errorf("no images produced by pdftoppm; out=%s", string(out))
		}
		return paths2[0], nil
	}
	return paths[0], nil
}

func normalizeRenderOptions(opts PDFRenderOptions) (dpi int, format string, err error) {
	dpi = opts.DPI
	if dpi <= 0 {
		dpi = 200
	}
	format = strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "png"
	}
	if format != "png" && format != "jpeg" && format != "jpg" {
		return 0, "", fmt.Errorf("unsupported render format: %s", format)
	}
	return dpi, format, nil
}

func globSorted(dir string, pattern string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if re.MatchString(strings.ToLower(e.Name())) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
