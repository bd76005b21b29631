package index

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/source"
)

// KnowledgeID derives the stable id of a knowledge unit from its query.
func KnowledgeID(query string) string {
	sum := md5.Sum([]byte(query))
	return hex.EncodeToString(sum[:])[:8]
}

// KnowledgeText renders a knowledge unit file.
func KnowledgeText(query, script, related string) string {
	return fmt.Sprintf("#User answer：%s\n\n# scripts:\n%s\n\n# relevant configs:\n%s", query, script, related)
}

// KnowledgeAnnotation is the fixed annotation of a knowledge unit.
func KnowledgeAnnotation(query string) string {
	return fmt.Sprintf("answer:%s and the script used to solve it.", query)
}

// AddKnowledge stores a solved query with its script and the configuration
// it drew on, then indexes it. Adding the same query again replaces the unit.
func (c *Coordinator) AddKnowledge(ctx context.Context, query, script, related string) (rel string, err error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", agenterrors.New(agenterrors.ErrCodeQueryEmpty, "knowledge query is empty", nil)
	}

	started := time.Now()
	report := &SyncReport{Kind: KindKnowledge}
	defer func() { c.finish(ctx, report, started, err) }()

	unlock, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer unlock()

	rel, err = c.chunks.WriteKnowledge(KnowledgeID(query), KnowledgeText(query, script, related))
	if err != nil {
		return "", agenterrors.New(agenterrors.ErrCodeFileWrite, "failed to write knowledge unit", err)
	}
	if err := c.chunks.WriteAnnotation(rel, KnowledgeAnnotation(query)); err != nil {
		slog.Warn("failed to write knowledge annotation",
			slog.String("path", rel),
			slog.String("error", err.Error()))
	}

	_, replaced := c.mapping.IDFor(rel)
	added, err := c.registerKnowledge(ctx, []string{rel})
	report.Added = added
	if replaced {
		report.Removed = 1
	}
	if err != nil {
		return rel, err
	}
	if err := c.persist(ctx); err != nil {
		return rel, err
	}

	slog.Info("knowledge unit stored",
		slog.String("path", rel),
		slog.Bool("replaced", replaced))
	return rel, nil
}

// LearnReport describes what Learn did.
type LearnReport struct {
	Modules       []string
	Sync          *SyncReport
	Related       []*Result
	KnowledgePath string
}

// Learn records that script answered query: it resyncs the packages the
// script modifies, collects the configuration now relevant to the query,
// and stores all of it as a knowledge unit.
func (c *Coordinator) Learn(ctx context.Context, r *Retriever, query, script string) (*LearnReport, error) {
	if strings.TrimSpace(query) == "" {
		return nil, agenterrors.New(agenterrors.ErrCodeQueryEmpty, "query is empty", nil)
	}
	modules, err := source.ModifiedPackages(script)
	if err != nil {
		return nil, err
	}

	report := &LearnReport{Modules: modules}
	if err := c.MarkStale(ctx, modules...); err != nil {
		return report, err
	}
	report.Sync, err = c.SyncModules(ctx, modules)
	if err != nil {
		return report, err
	}

	report.Related, err = r.Retrieve(ctx, query, 0)
	if err != nil {
		return report, err
	}
	related := make([]string, 0, len(report.Related))
	for _, res := range report.Related {
		related = append(related, res.Text)
	}

	report.KnowledgePath, err = c.AddKnowledge(ctx, query, script, strings.Join(related, "\n"))
	return report, err
}
