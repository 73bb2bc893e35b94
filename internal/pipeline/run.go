// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pdiddy/chapter-engine/internal/dedup"
	"github.com/pdiddy/chapter-engine/internal/draft"
	"github.com/pdiddy/chapter-engine/internal/factcheck"
	"github.com/pdiddy/chapter-engine/internal/gaps"
	"github.com/pdiddy/chapter-engine/internal/provider"
	"github.com/pdiddy/chapter-engine/internal/research"
	"github.com/pdiddy/chapter-engine/internal/scoring"
	"github.com/pdiddy/chapter-engine/internal/store"
	"github.com/pdiddy/chapter-engine/internal/textutil"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

const (
	// usefulSources is the candidate count at which research confidence
	// saturates.
	usefulSources     = 10
	maxSectionSources = 5
	maxFocusPoints    = 6
	defaultTarget     = 400
)

func (p *Pipeline) runAnalysis(ctx context.Context, env *stageEnv) (types.StagePayload, float64, error) {
	var r analysisResponse
	res, err := p.llm.GenerateStructured(ctx, provider.TaskAnalysis, provider.TextRequest{
		System:      systemPrompt,
		Prompt:      analysisPrompt(env.job),
		Temperature: 0.2,
	}, analysisSchema, &r)
	env.charge(res)
	if err != nil {
		return nil, 0, err
	}
	out := types.AnalysisPayload{
		PrimaryConcepts: clean(r.PrimaryConcepts, 0),
		Keywords:        clean(r.Keywords, 0),
		SearchQueries:   clean(r.SearchQueries, 0),
		ChapterType:     env.job.ChapterType,
		Complexity:      strings.TrimSpace(r.Complexity),
	}
	if len(out.SearchQueries) == 0 {
		out.SearchQueries = []string{env.job.Topic}
	}
	return out, r.Confidence, nil
}

func (p *Pipeline) runContext(ctx context.Context, env *stageEnv) (types.StagePayload, float64, error) {
	a, err := payload[types.AnalysisPayload](env.in, types.StageAnalysis)
	if err != nil {
		return nil, 0, err
	}
	var r contextResponse
	res, err := p.llm.GenerateStructured(ctx, provider.TaskContext, provider.TextRequest{
		System:      systemPrompt,
		Prompt:      contextPrompt(env.job, a),
		Temperature: 0.3,
	}, contextSchema, &r)
	env.charge(res)
	if err != nil {
		return nil, 0, err
	}
	return types.ContextPayload{
		ClinicalContext: strings.TrimSpace(r.ClinicalContext),
		KnowledgeAreas:  clean(r.KnowledgeAreas, 0),
		KeyQuestions:    clean(r.KeyQuestions, 0),
	}, r.Confidence, nil
}

func (p *Pipeline) runResearch(ctx context.Context, env *stageEnv) (types.StagePayload, float64, error) {
	a, err := payload[types.AnalysisPayload](env.in, types.StageAnalysis)
	if err != nil {
		return nil, 0, err
	}
	out, err := p.research.Gather(ctx, research.Request{Topic: env.job.Topic, Queries: a.SearchQueries})
	if err != nil {
		return nil, 0, err
	}
	if len(out.SourceErrors) > 0 {
		p.log.Debug("research degraded", "job", env.job.ID, "errors", out.SourceErrors)
	}
	return out, min(1, float64(len(out.Candidates))/usefulSources), nil
}

func (p *Pipeline) runDedup(ctx context.Context, env *stageEnv) (types.StagePayload, float64, error) {
	r, err := payload[types.ResearchPayload](env.in, types.StageResearch)
	if err != nil {
		return nil, 0, err
	}
	srcs := append([]types.Source(nil), r.Candidates...)
	dedup.ComputePreference(srcs, p.cfg.Dedup.Preference)
	out := p.dedup.Resolve(srcs)
	if err := p.store.SaveSources(ctx, env.job.ID, out.Sources); err != nil {
		return nil, 0, err
	}
	return out, 1, nil
}

func (p *Pipeline) runPlanning(ctx context.Context, env *stageEnv) (types.StagePayload, float64, error) {
	a, err := payload[types.AnalysisPayload](env.in, types.StageAnalysis)
	if err != nil {
		return nil, 0, err
	}
	d, err := payload[types.DedupPayload](env.in, types.StageDedup)
	if err != nil {
		return nil, 0, err
	}
	tmpl := gaps.Template(env.job.ChapterType)
	if len(tmpl) == 0 {
		return nil, 0, fmt.Errorf("no section template for chapter type %q", env.job.ChapterType)
	}
	outline := make([]types.PlannedSection, len(tmpl))
	for i, req := range tmpl {
		outline[i] = types.PlannedSection{
			Key:         req.Key,
			Title:       req.Title,
			Description: req.Description,
			Severity:    req.Severity,
			TargetWords: p.targetWords(req.Severity),
		}
	}

	var r planningResponse
	res, err := p.llm.GenerateStructured(ctx, provider.TaskPlanning, provider.TextRequest{
		System:      systemPrompt,
		Prompt:      planningPrompt(env.job, a, outline, types.Retained(d.Sources)),
		Temperature: 0.2,
	}, planningSchema, &r)
	env.charge(res)
	if err != nil {
		return nil, 0, err
	}
	return types.PlanningPayload{Sections: outline, Focus: clean(r.FocusPoints, maxFocusPoints)}, r.Confidence, nil
}

// targetWords scales the configured section length by severity: critical
// sections get half again as much, low-severity ones half.
func (p *Pipeline) targetWords(sev types.Severity) int {
	base := p.cfg.Pipeline.SectionTargetWords
	if base <= 0 {
		base = defaultTarget
	}
	switch sev {
	case types.SeverityCritical:
		return base * 3 / 2
	case types.SeverityLow:
		return base / 2
	}
	return base
}

// runSections writes every planned section. A forked revision with
// RegenerateSection set rewrites only that section and carries the others
// over from its parent.
func (p *Pipeline) runSections(ctx context.Context, env *stageEnv) (types.StagePayload, float64, error) {
	d, err := payload[types.DedupPayload](env.in, types.StageDedup)
	if err != nil {
		return nil, 0, err
	}
	plan, err := payload[types.PlanningPayload](env.in, types.StagePlanning)
	if err != nil {
		return nil, 0, err
	}
	prev, err := p.parentSections(ctx, env.job)
	if err != nil {
		return nil, 0, err
	}
	retained := types.Retained(d.Sources)

	out := types.SectionsPayload{Sections: make([]types.Section, 0, len(plan.Sections))}
	var fill float64
	for _, ps := range plan.Sections {
		old, had := prev[ps.Key]
		if had && ps.Key != env.job.RegenerateSection {
			out.Sections = append(out.Sections, old)
			fill += wordFill(old.WordCount, ps.TargetWords)
			continue
		}
		srcs := selectSources(ps, env.job.Topic, retained, maxSectionSources)
		res, err := p.llm.GenerateText(ctx, provider.TaskSectionWriting, provider.TextRequest{
			System:      systemPrompt,
			Prompt:      sectionPrompt(env.job, plan, ps, srcs),
			Temperature: 0.4,
			MaxTokens:   ps.TargetWords * 2,
		})
		env.charge(res)
		if err != nil {
			return nil, 0, fmt.Errorf("writing section %s: %w", ps.Key, err)
		}
		text := strings.TrimSpace(res.Text)
		sec := types.Section{
			Key:       ps.Key,
			Title:     ps.Title,
			Content:   text,
			WordCount: textutil.WordCount(text),
			SourceIDs: sourceIDs(srcs),
			Revision:  1,
		}
		if had {
			sec.Revision = old.Revision + 1
		}
		out.Sections = append(out.Sections, sec)
		fill += wordFill(sec.WordCount, ps.TargetWords)
	}
	if len(plan.Sections) == 0 {
		return out, 0, nil
	}
	return out, fill / float64(len(plan.Sections)), nil
}

// parentSections returns the parent's sections by key when the job is a
// section regeneration fork.
func (p *Pipeline) parentSections(ctx context.Context, job *types.Job) (map[string]types.Section, error) {
	if job.RegenerateSection == "" || job.ParentID == "" {
		return nil, nil
	}
	a, err := p.store.Artifact(ctx, job.ParentID, types.StageSections)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sp, ok := a.Payload.(types.SectionsPayload)
	if !ok {
		return nil, fmt.Errorf("parent sections artifact carries %T", a.Payload)
	}
	out := make(map[string]types.Section, len(sp.Sections))
	for _, s := range sp.Sections {
		out[s.Key] = s
	}
	return out, nil
}

func wordFill(words, target int) float64 {
	if target <= 0 {
		target = defaultTarget
	}
	return min(1, float64(words)/float64(target))
}

// selectSources picks the k sources most relevant to a planned section by
// lexical overlap with its title and scope, weighted with preference.
func selectSources(ps types.PlannedSection, topic string, sources []types.Source, k int) []types.Source {
	query := ps.Title + " " + ps.Description + " " + topic
	type scored struct {
		src   types.Source
		score float64
	}
	all := make([]scored, len(sources))
	for i, s := range sources {
		all[i] = scored{s, textutil.Overlap(query, s.Title+" "+s.Text()) + 0.5*s.PreferenceScore}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].src.ID < all[j].src.ID
	})
	if len(all) > k {
		all = all[:k]
	}
	out := make([]types.Source, len(all))
	for i, s := range all {
		out[i] = s.src
	}
	return out
}

func sourceIDs(srcs []types.Source) []string {
	if len(srcs) == 0 {
		return nil
	}
	ids := make([]string, len(srcs))
	for i, s := range srcs {
		ids[i] = s.ID
	}
	return ids
}

// runImages describes the indexed figures of internal documents the
// sections draw on. Figures that cannot be read or analyzed are skipped.
func (p *Pipeline) runImages(ctx context.Context, env *stageEnv) (types.StagePayload, float64, error) {
	r, err := payload[types.ResearchPayload](env.in, types.StageResearch)
	if err != nil {
		return nil, 0, err
	}
	s, err := payload[types.SectionsPayload](env.in, types.StageSections)
	if err != nil {
		return nil, 0, err
	}
	if p.figures == nil {
		return types.ImagesPayload{}, 1, nil
	}

	used := map[string]bool{}
	for _, sec := range s.Sections {
		for _, id := range sec.SourceIDs {
			used[id] = true
		}
	}
	var docIDs []string
	sourceOf := map[string]string{}
	for _, c := range r.Candidates {
		if c.Provenance != types.ProvenanceInternal || c.DocumentID == "" || !used[c.ID] {
			continue
		}
		if _, seen := sourceOf[c.DocumentID]; !seen {
			sourceOf[c.DocumentID] = c.ID
			docIDs = append(docIDs, c.DocumentID)
		}
	}
	figs, err := p.figures.Figures(ctx, docIDs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		p.log.Warn("listing figures", "job", env.job.ID, "error", err)
		return types.ImagesPayload{}, 0, nil
	}
	if limit := p.cfg.Pipeline.MaxImages; limit > 0 && len(figs) > limit {
		figs = figs[:limit]
	}

	var out types.ImagesPayload
	for _, f := range figs {
		data, err := p.readFile(f.Path)
		if err != nil {
			p.log.Warn("reading figure", "figure", f.ID, "path", f.Path, "error", err)
			out.Skipped++
			continue
		}
		mt := f.MIMEType
		if mt == "" {
			mt = mime.TypeByExtension(filepath.Ext(f.Path))
		}
		res, err := p.llm.AnalyzeImage(ctx, provider.TaskImageAnalysis, provider.ImageRequest{
			Prompt:    imagePrompt(env.job, f.Caption),
			Data:      data,
			MIMEType:  mt,
			MaxTokens: 400,
		})
		env.charge(res)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			p.log.Warn("analyzing figure", "figure", f.ID, "error", err)
			out.Skipped++
			continue
		}
		desc := strings.TrimSpace(res.Text)
		key, match := bestSection(f.Caption+" "+desc, s.Sections)
		out.Images = append(out.Images, types.ImageAnalysis{
			SourceID:    sourceOf[f.DocID],
			Path:        f.Path,
			Caption:     f.Caption,
			Description: desc,
			SectionKey:  key,
			Confidence:  clamp01(0.5 + 0.5*match),
		})
	}
	total := len(out.Images) + out.Skipped
	if total == 0 {
		return out, 1, nil
	}
	return out, float64(len(out.Images)) / float64(total), nil
}

// bestSection returns the section whose title and text best overlap text,
// and the overlap. Ties go to the earlier section.
func bestSection(text string, sections []types.Section) (string, float64) {
	key, best := "", -1.0
	for _, s := range sections {
		if o := textutil.Overlap(text, s.Title+" "+s.Content); o > best {
			key, best = s.Key, o
		}
	}
	return key, max(best, 0)
}

func (p *Pipeline) runCitations(_ context.Context, env *stageEnv) (types.StagePayload, float64, error) {
	d, err := payload[types.DedupPayload](env.in, types.StageDedup)
	if err != nil {
		return nil, 0, err
	}
	s, err := payload[types.SectionsPayload](env.in, types.StageSections)
	if err != nil {
		return nil, 0, err
	}
	out := draft.Cite(s.Sections, d.Sources)
	if len(s.Sections) == 0 {
		return out, 0, nil
	}
	cited := 0
	for _, sec := range s.Sections {
		if len(out.SectionCitations[sec.Key]) > 0 {
			cited++
		}
	}
	return out, float64(cited) / float64(len(s.Sections)), nil
}

func (p *Pipeline) runQuality(_ context.Context, env *stageEnv) (types.StagePayload, float64, error) {
	d, err := payload[types.DedupPayload](env.in, types.StageDedup)
	if err != nil {
		return nil, 0, err
	}
	s, err := payload[types.SectionsPayload](env.in, types.StageSections)
	if err != nil {
		return nil, 0, err
	}
	c, err := payload[types.CitationsPayload](env.in, types.StageCitations)
	if err != nil {
		return nil, 0, err
	}
	report := scoring.ScoreQuality(scoring.Inputs{
		Sources:     d.Sources,
		Sections:    &s,
		Citations:   &c,
		TargetWords: p.targetWords(types.SeverityMedium),
	}, p.now())
	return types.QualityPayload{Report: report}, deref(report.Overall), nil
}

func (p *Pipeline) runFactCheck(ctx context.Context, env *stageEnv) (types.StagePayload, float64, error) {
	d, err := payload[types.DedupPayload](env.in, types.StageDedup)
	if err != nil {
		return nil, 0, err
	}
	s, err := payload[types.SectionsPayload](env.in, types.StageSections)
	if err != nil {
		return nil, 0, err
	}
	out, usage, err := p.facts.Check(ctx, s.Sections, types.Retained(d.Sources))
	env.usage.Add(usage)
	if err != nil {
		return nil, 0, err
	}
	if gf := factcheck.Gate(&out, p.cfg.FactCheck); gf != nil {
		p.log.Info("fact-check gate failed", "job", env.job.ID, "reason", gf.Error())
	}
	return out, out.Accuracy, nil
}

func (p *Pipeline) runFormatting(_ context.Context, env *stageEnv) (types.StagePayload, float64, error) {
	s, err := payload[types.SectionsPayload](env.in, types.StageSections)
	if err != nil {
		return nil, 0, err
	}
	img, err := payload[types.ImagesPayload](env.in, types.StageImages)
	if err != nil {
		return nil, 0, err
	}
	c, err := payload[types.CitationsPayload](env.in, types.StageCitations)
	if err != nil {
		return nil, 0, err
	}
	return draft.Assemble(env.job.Topic, s.Sections, c, img.Images), 1, nil
}

// runReview runs gap analysis over the retained sources saved by the dedup
// stage.
func (p *Pipeline) runReview(ctx context.Context, env *stageEnv) (types.StagePayload, float64, error) {
	plan, err := payload[types.PlanningPayload](env.in, types.StagePlanning)
	if err != nil {
		return nil, 0, err
	}
	s, err := payload[types.SectionsPayload](env.in, types.StageSections)
	if err != nil {
		return nil, 0, err
	}
	c, err := payload[types.CitationsPayload](env.in, types.StageCitations)
	if err != nil {
		return nil, 0, err
	}
	fc, err := payload[types.FactCheckPayload](env.in, types.StageFactCheck)
	if err != nil {
		return nil, 0, err
	}
	srcs, err := p.store.Sources(ctx, env.job.ID, true)
	if err != nil {
		return nil, 0, err
	}
	report := gaps.Analyze(gaps.Inputs{
		ChapterType: env.job.ChapterType,
		Planning:    &plan,
		Sections:    &s,
		Citations:   &c,
		Sources:     srcs,
		FactCheck:   &fc,
	}, p.cfg.Gaps, p.now())
	return types.ReviewPayload{Gaps: report}, report.Completeness, nil
}

func (p *Pipeline) runFinalization(_ context.Context, env *stageEnv) (types.StagePayload, float64, error) {
	q, err := payload[types.QualityPayload](env.in, types.StageQuality)
	if err != nil {
		return nil, 0, err
	}
	fc, err := payload[types.FactCheckPayload](env.in, types.StageFactCheck)
	if err != nil {
		return nil, 0, err
	}
	rv, err := payload[types.ReviewPayload](env.in, types.StageReview)
	if err != nil {
		return nil, 0, err
	}
	// The second checkpoint is the context stage, not research.
	analysis := env.in.Artifacts[types.StageAnalysis].Confidence
	contextConf := env.in.Artifacts[types.StageContext].Confidence
	var accuracy *float64
	if len(fc.Claims) > 0 {
		accuracy = &fc.Accuracy
	}
	out := types.FinalizationPayload{
		Confidence: scoring.GenerationConfidence(&analysis, &contextConf, accuracy),
		Quality:    q.Report,
	}
	if rv.Gaps.RequiresRevision {
		out.RevisionReasons = append(out.RevisionReasons,
			fmt.Sprintf("gap analysis: completeness %.2f with %d gaps", rv.Gaps.Completeness, len(rv.Gaps.Gaps)))
	}
	if len(fc.Claims) > 0 && !fc.GatePassed {
		out.RevisionReasons = append(out.RevisionReasons, "fact check: "+fc.GateReason)
	}
	if q.Report.Rating == types.RatingPoor {
		out.RevisionReasons = append(out.RevisionReasons, "quality rated poor")
	}
	out.RequiresRevision = len(out.RevisionReasons) > 0
	return out, deref(out.Confidence.Overall), nil
}

func (p *Pipeline) runDelivery(_ context.Context, env *stageEnv) (types.StagePayload, float64, error) {
	f, err := payload[types.FormattingPayload](env.in, types.StageFormatting)
	if err != nil {
		return nil, 0, err
	}
	if _, err := payload[types.FinalizationPayload](env.in, types.StageFinalization); err != nil {
		return nil, 0, err
	}
	return types.DeliveryPayload{
		DeliveredAt: p.now().UTC(),
		Version:     env.job.Version,
		WordCount:   f.WordCount,
	}, 1, nil
}

// clean trims, drops empty and case-insensitive duplicate strings, and caps
// the result at limit when limit > 0.
func clean(in []string, limit int) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		k := strings.ToLower(s)
		if s == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
