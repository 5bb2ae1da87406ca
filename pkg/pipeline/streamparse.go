package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/orneryd/pocketwiki/pkg/checkpoint"
	"github.com/orneryd/pocketwiki/pkg/config"
	"github.com/orneryd/pocketwiki/pkg/dumpfetch"
	"github.com/orneryd/pocketwiki/pkg/wikixml"
)

// Article is one page record in articles.jsonl.
type Article struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	Namespace int    `json:"namespace"`
}

// StreamParseStage streams the dump, parses pages, and writes articles.jsonl
// under checkpoint protection. Killing the process at any point and
// restarting yields output byte-identical to an uninterrupted run.
type StreamParseStage struct {
	cfg     config.StreamParseConfig
	workDir string
}

// NewStreamParseStage creates the stage.
func NewStreamParseStage(cfg config.StreamParseConfig, workDir string) *StreamParseStage {
	return &StreamParseStage{cfg: cfg, workDir: workDir}
}

func (s *StreamParseStage) Name() string { return "stream_parse" }

// InputHash covers only the config: the input is remote and guarded by the
// ETag check instead.
func (s *StreamParseStage) InputHash() (string, error) {
	return HashInputs(config.Hash(s.cfg))
}

func (s *StreamParseStage) outputFile() string {
	return filepath.Join(s.workDir, "parsed", s.cfg.OutputFilename)
}

func (s *StreamParseStage) checkpointFile() string {
	return filepath.Join(s.workDir, "checkpoints", "stream_parse.checkpoint.json")
}

func (s *StreamParseStage) OutputFiles() []string { return []string{s.outputFile()} }

// Run executes the streaming parse, resuming from a valid checkpoint.
func (s *StreamParseStage) Run(ctx context.Context) error {
	mgr := checkpoint.NewManager(s.checkpointFile(), checkpoint.Triggers{
		EveryPages: s.cfg.CheckpointEveryPages,
		EveryBytes: s.cfg.CheckpointEveryBytes,
		Every:      time.Duration(s.cfg.CheckpointEverySeconds) * time.Second,
	})

	if s.cfg.ForceRestart {
		if err := mgr.Delete(); err != nil {
			return err
		}
		os.Remove(s.outputFile())
	}

	etag, err := dumpfetch.ETag(ctx, s.cfg.SourceURL, s.cfg.HTTPTimeout())
	if err != nil {
		log.Printf("[stream_parse] etag unavailable for %s: %v", s.cfg.SourceURL, err)
		etag = ""
	}

	cp := s.resumableCheckpoint(mgr, etag)
	if cp == nil {
		// Fresh start: discard whatever partial output exists.
		mgr.Delete()
		os.Remove(s.outputFile())
	}
	return s.parse(ctx, mgr, cp, etag)
}

// resumableCheckpoint loads the stored checkpoint and applies the resume
// decision checks in order. Any failed check returns nil: start fresh.
func (s *StreamParseStage) resumableCheckpoint(mgr *checkpoint.Manager, etag string) *checkpoint.Checkpoint {
	cp, err := mgr.Load()
	if err != nil || cp == nil {
		return nil
	}
	if err := cp.Validate(s.cfg.SourceURL, etag, config.Hash(s.cfg), s.cfg.ValidateSourceUnchanged); err != nil {
		log.Printf("[stream_parse] checkpoint invalid, restarting: %v", err)
		return nil
	}
	st, err := os.Stat(s.outputFile())
	if err != nil {
		return nil
	}
	if st.Size() < cp.OutputBytesWritten {
		log.Printf("[stream_parse] output shorter than checkpoint (%d < %d), restarting",
			st.Size(), cp.OutputBytesWritten)
		return nil
	}
	if st.Size() > cp.OutputBytesWritten {
		// Trailing partial record past the durable watermark.
		if err := os.Truncate(s.outputFile(), cp.OutputBytesWritten); err != nil {
			return nil
		}
	}
	return cp
}

func (s *StreamParseStage) parse(ctx context.Context, mgr *checkpoint.Manager, cp *checkpoint.Checkpoint, etag string) error {
	var (
		startOffset  int64
		pages        int64
		bytesWritten int64
		lastPageID   int64 = -1
	)
	if cp != nil {
		startOffset = cp.CompressedBytesRead
		pages = cp.PagesProcessed
		bytesWritten = cp.OutputBytesWritten
		lastPageID = cp.LastPageID
		log.Printf("[stream_parse] resuming at compressed offset %d (%d pages done)", startOffset, pages)
	}

	src, err := dumpfetch.Open(ctx, s.cfg.SourceURL, startOffset, dumpfetch.Options{
		ChunkSize:  s.cfg.HTTPChunkSize,
		Timeout:    s.cfg.HTTPTimeout(),
		MaxRetries: s.cfg.MaxRetries,
		Backoff:    s.cfg.RetryBackoff(),
	})
	if errors.Is(err, dumpfetch.ErrResumeDowngraded) {
		// Server stopped honouring Range: restart from zero.
		log.Printf("[stream_parse] resume downgraded by server, restarting from offset 0")
		mgr.Delete()
		os.Remove(s.outputFile())
		return s.parse(ctx, mgr, nil, etag)
	}
	if err != nil {
		return err
	}
	defer src.Close()

	// A resumed byte stream starts mid-document. Re-root it and scan
	// forward to the next <page so the decoder sees well-formed XML; the
	// page-id watermark drops anything emitted twice across the seam.
	var (
		reader io.Reader = src
		track  offsetTracker
	)
	track.base = startOffset
	if cp != nil {
		const root = "<mediawiki>\n"
		track.prefix = int64(len(root))
		resync := &resyncReader{r: src}
		track.resync = resync
		reader = io.MultiReader(strings.NewReader(root), resync)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if cp != nil {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	if err := os.MkdirAll(filepath.Dir(s.outputFile()), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(s.outputFile(), flags, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	parser := wikixml.NewParser(reader)
	filter := wikixml.Filter{
		SkipRedirects:      s.cfg.SkipRedirects,
		SkipDisambiguation: s.cfg.SkipDisambiguation,
		AllowedNamespaces:  s.cfg.AllowedNamespaces,
	}
	w := bufio.NewWriterSize(out, 1<<20)

	var lastTitle string
	if cp != nil {
		lastTitle = cp.LastPageTitle
	}
	save := func() error {
		// Output must be durable before the checkpoint records it.
		if err := w.Flush(); err != nil {
			return err
		}
		if err := out.Sync(); err != nil {
			return err
		}
		compressed := track.offset(parser.InputOffset())
		if strings.HasSuffix(s.cfg.SourceURL, ".bz2") {
			// Decoder offsets count decompressed bytes; a .bz2 source
			// reports its own compressed-byte counter instead.
			compressed = src.CompressedOffset()
		}
		return mgr.Save(&checkpoint.Checkpoint{
			SourceURL:           s.cfg.SourceURL,
			SourceETag:          etag,
			CompressedBytesRead: compressed,
			PagesProcessed:      pages,
			LastPageID:          lastPageID,
			LastPageTitle:       lastTitle,
			OutputFile:          s.outputFile(),
			OutputBytesWritten:  bytesWritten,
			ConfigHash:          config.Hash(s.cfg),
		})
	}

	for {
		if err := ctx.Err(); err != nil {
			save()
			return err
		}
		page, err := parser.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Checkpoint before surfacing anything fatal upward.
			if serr := save(); serr != nil {
				log.Printf("[stream_parse] checkpoint flush failed: %v", serr)
			}
			return fmt.Errorf("parse %s at offset %d: %w", s.cfg.SourceURL, track.offset(parser.InputOffset()), err)
		}
		if page.ID <= lastPageID {
			// Re-emitted page straddling the resume seam.
			continue
		}
		lastPageID = page.ID
		lastTitle = page.Title
		if !filter.Include(page) {
			continue
		}

		line, err := json.Marshal(Article{
			ID:        page.ID,
			Title:     page.Title,
			Text:      page.Text,
			Namespace: page.Namespace,
		})
		if err != nil {
			return err
		}
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			return err
		}
		bytesWritten += int64(len(line))
		pages++

		if mgr.ShouldWrite(pages, bytesWritten) {
			if err := save(); err != nil {
				return err
			}
		}
	}

	if err := w.Flush(); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	log.Printf("[stream_parse] parsed %d pages (last %q)", pages, lastTitle)
	// Stage success: the fine-grained checkpoint has served its purpose.
	return mgr.Delete()
}

// offsetTracker converts decoder offsets in the (possibly re-rooted and
// resynced) stream back to absolute compressed source offsets.
type offsetTracker struct {
	base   int64
	prefix int64
	resync *resyncReader
}

func (t *offsetTracker) offset(inputOffset int64) int64 {
	discarded := int64(0)
	if t.resync != nil {
		discarded = t.resync.discarded
	}
	return t.base + discarded + inputOffset - t.prefix
}

// resyncReader discards bytes until the first "<page" marker, then passes
// everything through. It records how many bytes it dropped.
type resyncReader struct {
	r         io.Reader
	br        *bufio.Reader
	synced    bool
	discarded int64
}

const pageMarker = "<page"

func (r *resyncReader) Read(p []byte) (int, error) {
	if r.br == nil {
		r.br = bufio.NewReaderSize(r.r, 1<<16)
	}
	if !r.synced {
		for {
			head, err := r.br.Peek(len(pageMarker))
			if string(head) == pageMarker {
				r.synced = true
				break
			}
			if err != nil && err != io.EOF {
				return 0, err
			}
			if _, err := r.br.ReadByte(); err != nil {
				return 0, err
			}
			r.discarded++
		}
	}
	return r.br.Read(p)
}
