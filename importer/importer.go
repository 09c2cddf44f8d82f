// Package importer turns configuration files and archives into registry
// records.
package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/houzhh15/tunnel-registry/archive"
	"github.com/houzhh15/tunnel-registry/logging"
	"github.com/houzhh15/tunnel-registry/protocol"
	"github.com/houzhh15/tunnel-registry/tunnel"
)

// Parser turns configuration text into a configuration carrying name.
type Parser interface {
	Parse(text, name string) (tunnel.Configuration, error)
}

// Inserter is the part of the registry the importer writes to.
type Inserter interface {
	Insert(key string, cfg tunnel.Configuration) (int, error)
}

// Stage names the step at which an entry was dropped.
type Stage string

const (
	StageName      Stage = "name"      // normalized to empty
	StageDuplicate Stage = "duplicate" // another entry had the same name
	StageDecode    Stage = "decode"    // bytes are not text
	StageParse     Stage = "parse"     // text is not a valid configuration
	StageInsert    Stage = "insert"    // registry refused the record
)

// EntryFailure describes one entry that did not become a record.
type EntryFailure struct {
	Entry string `json:"entry"`
	Name  string `json:"name,omitempty"`
	Stage Stage  `json:"stage"`
	Err   error  `json:"-"`
}

// BatchResult 批量导入结果
// Attempted counts entries that reached parsing; Succeeded counts records
// inserted. Failures lists every entry dropped along the way, including
// those dropped before parsing.
type BatchResult struct {
	Attempted int            `json:"attempted"`
	Succeeded int            `json:"succeeded"`
	Keys      []string       `json:"keys,omitempty"`
	Failures  []EntryFailure `json:"failures,omitempty"`
}

// Partial reports whether some attempted entries failed.
func (r *BatchResult) Partial() bool {
	return r.Succeeded < r.Attempted
}

func (r *BatchResult) fail(entry, name string, stage Stage, err error) {
	r.Failures = append(r.Failures, EntryFailure{Entry: entry, Name: name, Stage: stage, Err: err})
	importEntriesTotal.WithLabelValues(string(stage)).Inc()
}

// Config holds Importer configuration
type Config struct {
	Parser   Parser
	Registry Inserter
	// Archive defaults to a zip reader.
	Archive archive.Reader
	// ArchiveExtensions filters entries when importing a whole file.
	ArchiveExtensions []string
	Logger            logging.Logger
	Audit             logging.AuditLogger
}

// Importer 导入流水线
type Importer struct {
	parser   Parser
	registry Inserter
	archive  archive.Reader
	exts     []string
	logger   logging.Logger
	audit    logging.AuditLogger
}

// New creates an importer
func New(cfg *Config) (*Importer, error) {
	if cfg.Parser == nil {
		return nil, fmt.Errorf("parser is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	logger := logging.OrNop(cfg.Logger)
	reader := cfg.Archive
	if reader == nil {
		reader = archive.NewZipReader(&archive.Config{Logger: logger})
	}
	exts := cfg.ArchiveExtensions
	if len(exts) == 0 {
		exts = []string{"conf"}
	}

	return &Importer{
		parser:   cfg.Parser,
		registry: cfg.Registry,
		archive:  reader,
		exts:     exts,
		logger:   logger,
		audit:    cfg.Audit,
	}, nil
}

// ImportOne imports a single configuration. Every failure is returned and
// leaves the registry untouched.
func (im *Importer) ImportOne(sourceName, sourceText string) (string, error) {
	key, err := im.importOne(sourceName, sourceText)

	result := logging.ResultSuccess
	reason := ""
	if err != nil {
		result = logging.ResultFailed
		reason = err.Error()
		im.logger.Warn("Import failed", "source", sourceName, "error", err)
	} else {
		importEntriesTotal.WithLabelValues("imported").Inc()
		im.logger.Info("Tunnel imported", "source", sourceName, "key", key)
	}
	importBatchesTotal.WithLabelValues(result).Inc()

	succeeded := 0
	if err == nil {
		succeeded = 1
	}
	im.auditImport(&logging.ImportEvent{
		Source:    sourceName,
		Kind:      "single",
		Attempted: 1,
		Succeeded: succeeded,
		Result:    result,
		Reason:    reason,
	})
	return key, err
}

func (im *Importer) importOne(sourceName, sourceText string) (string, error) {
	key := tunnel.NormalizeName(sourceName)
	if key == "" {
		importEntriesTotal.WithLabelValues(string(StageName)).Inc()
		return "", protocol.ErrInvalidName.WithDetails("source", sourceName)
	}

	cfg, err := im.parser.Parse(sourceText, key)
	if err != nil {
		importEntriesTotal.WithLabelValues(string(StageParse)).Inc()
		return "", protocol.ErrParse.With(err).WithDetails("name", key)
	}

	if _, err := im.registry.Insert(key, cfg); err != nil {
		importEntriesTotal.WithLabelValues(string(StageInsert)).Inc()
		return "", err
	}
	return key, nil
}

type candidate struct {
	name  string
	entry archive.Entry
}

// ImportArchive imports every usable entry of an archive. Only failures of
// the archive as a whole are returned as errors; entry failures are
// reported in the result.
func (im *Importer) ImportArchive(data []byte, allowedExtensions []string) (*BatchResult, error) {
	return im.importArchive("archive", data, allowedExtensions)
}

func (im *Importer) importArchive(source string, data []byte, allowedExtensions []string) (*BatchResult, error) {
	start := time.Now()
	result := &BatchResult{}

	entries, err := im.archive.Read(data, allowedExtensions)
	if err != nil {
		im.finishBatch(source, result, err, start)
		return nil, err
	}

	candidates := make([]candidate, 0, len(entries))
	for _, e := range entries {
		name := tunnel.NormalizeName(e.Name)
		if name == "" {
			result.fail(e.Name, "", StageName, protocol.ErrInvalidName)
			continue
		}
		candidates = append(candidates, candidate{name: name, entry: e})
	}

	// among equal names the first in sorted order wins; entry name and
	// content break ties so archive order never decides
	slices.SortFunc(candidates, func(a, b candidate) int {
		if c := strings.Compare(a.name, b.name); c != 0 {
			return c
		}
		if c := strings.Compare(a.entry.Name, b.entry.Name); c != 0 {
			return c
		}
		return bytes.Compare(a.entry.Data, b.entry.Data)
	})
	unique := make([]candidate, 0, len(candidates))
	for i, c := range candidates {
		if i > 0 && c.name == candidates[i-1].name {
			result.fail(c.entry.Name, c.name, StageDuplicate, protocol.ErrDuplicateKey.WithDetails("key", c.name))
			continue
		}
		unique = append(unique, c)
	}

	if len(unique) == 0 {
		err := protocol.ErrEmptyBatch.WithDetails("entries", len(entries))
		im.finishBatch(source, result, err, start)
		return nil, err
	}

	for _, c := range unique {
		text, err := DecodeText(c.entry.Data)
		if err != nil {
			result.fail(c.entry.Name, c.name, StageDecode, err)
			continue
		}

		result.Attempted++
		cfg, err := im.parser.Parse(text, c.name)
		if err != nil {
			result.fail(c.entry.Name, c.name, StageParse, protocol.ErrParse.With(err).WithDetails("name", c.name))
			im.logger.Debug("Archive entry rejected", "entry", c.entry.Name, "error", err)
			continue
		}

		// one insert per record so observers see progress as it happens
		if _, err := im.registry.Insert(c.name, cfg); err != nil {
			result.fail(c.entry.Name, c.name, StageInsert, err)
			im.logger.Debug("Archive entry not inserted", "entry", c.entry.Name, "error", err)
			continue
		}
		result.Succeeded++
		result.Keys = append(result.Keys, c.name)
		importEntriesTotal.WithLabelValues("imported").Inc()
	}

	im.finishBatch(source, result, nil, start)
	return result, nil
}

func (im *Importer) finishBatch(source string, result *BatchResult, err error, start time.Time) {
	outcome := logging.ResultSuccess
	reason := ""
	switch {
	case err != nil:
		outcome = logging.ResultFailed
		reason = err.Error()
		im.logger.Warn("Archive import failed", "source", source, "error", err)
	case result.Succeeded == 0:
		outcome = logging.ResultFailed
		reason = "no entry imported"
	case result.Partial():
		outcome = logging.ResultPartial
	}
	importBatchesTotal.WithLabelValues(outcome).Inc()

	if err == nil {
		im.logger.Info("Archive imported",
			"source", source,
			"attempted", result.Attempted,
			"succeeded", result.Succeeded,
			"dropped", len(result.Failures),
			"duration", time.Since(start).String(),
		)
	}

	im.auditImport(&logging.ImportEvent{
		Source:    source,
		Kind:      "archive",
		Attempted: result.Attempted,
		Succeeded: result.Succeeded,
		Result:    outcome,
		Reason:    reason,
	})
}

// ImportFile reads path and imports it according to its extension:
// .conf as a single configuration, .zip as an archive of .conf files.
func (im *Importer) ImportFile(path string) (*BatchResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return im.ImportData(filepath.Base(path), data)
}

// ImportData imports data received under name, dispatching on the extension.
func (im *Importer) ImportData(name string, data []byte) (*BatchResult, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".conf":
		text, err := DecodeText(data)
		if err != nil {
			return nil, protocol.ErrParse.With(err).WithDetails("name", tunnel.NormalizeName(name))
		}
		key, err := im.ImportOne(name, text)
		if err != nil {
			return nil, err
		}
		return &BatchResult{Attempted: 1, Succeeded: 1, Keys: []string{key}}, nil

	case ".zip":
		return im.importArchive(name, data, im.exts)

	default:
		return nil, protocol.ErrUnsupportedFile.WithDetails("name", name)
	}
}

func (im *Importer) auditImport(event *logging.ImportEvent) {
	if im.audit == nil {
		return
	}
	if err := im.audit.LogImport(context.Background(), event); err != nil {
		im.logger.Warn("Failed to write import audit", "source", event.Source, "error", err)
	}
}

// IsEntryError reports whether err describes a single bad input rather than
// a failure of the pipeline itself.
func IsEntryError(err error) bool {
	return errors.Is(err, protocol.ErrInvalidName) ||
		errors.Is(err, protocol.ErrParse) ||
		errors.Is(err, protocol.ErrDuplicateKey)
}
