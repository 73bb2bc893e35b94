// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package index

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/chapter-engine/internal/provider"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

// hashEmbedder embeds with the deterministic mock provider vectors.
type hashEmbedder struct{ calls int }

func (h *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	h.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = provider.HashEmbedding(t, 64)
	}
	return out, nil
}

func testIndex(t *testing.T, emb Embedder) (*Index, string) {
	t.Helper()
	dir := t.TempDir()
	extracted := filepath.Join(dir, "extracted")
	require.NoError(t, os.MkdirAll(extracted, 0o755))
	ix, err := Open(types.IndexConfig{
		Path:         filepath.Join(dir, "index.db"),
		ExtractedDir: extracted,
		MaxResults:   10,
	}, emb, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix, extracted
}

func writeDoc(t *testing.T, dir string, doc types.Document) string {
	t.Helper()
	data, err := yaml.Marshal(&doc)
	require.NoError(t, err)
	path := filepath.Join(dir, doc.ID+".yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

var gallbladderDoc = types.Document{
	ID:         "smith-2021",
	Title:      "Laparoscopic cholecystectomy outcomes",
	Authors:    []string{"Smith J"},
	Year:       2021,
	Identifier: "10.1000/lc.2021",
	Passages: []types.Passage{
		{ID: "p1", Section: "Introduction", Content: "Laparoscopic cholecystectomy is the standard treatment for symptomatic gallstones."},
		{ID: "p2", Section: "Results", Content: "Bile duct injury occurred in 0.3 percent of patients."},
	},
	Figures: []types.Figure{
		{ID: "fig1", Path: "figures/critical-view.png", Caption: "Critical view of safety", MIMEType: "image/png"},
	},
}

var herniaDoc = types.Document{
	ID:    "jones-2019",
	Title: "Inguinal hernia repair",
	Year:  2019,
	Passages: []types.Passage{
		{ID: "p1", Content: "Mesh repair reduces recurrence of inguinal hernia."},
	},
}

func TestIngestAndSkipUnchanged(t *testing.T) {
	emb := &hashEmbedder{}
	ix, dir := testIndex(t, emb)
	writeDoc(t, dir, gallbladderDoc)
	writeDoc(t, dir, herniaDoc)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("passages: [unterminated"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	var out bytes.Buffer
	sum, err := ix.Ingest(context.Background(), &out)
	require.NoError(t, err)
	assert.Equal(t, IngestSummary{Indexed: 2, Failed: 1}, sum)
	assert.Contains(t, out.String(), "failed  broken")

	stats, err := ix.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Documents: 2, Passages: 3, Embedded: 3, Figures: 1}, stats)

	out.Reset()
	sum, err = ix.Ingest(context.Background(), &out)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 2, emb.calls, "unchanged files are not re-embedded")
}

func TestIngestUpdateReplacesPassages(t *testing.T) {
	ix, dir := testIndex(t, nil)
	path := writeDoc(t, dir, herniaDoc)
	_, _, err := ix.IngestFile(context.Background(), path)
	require.NoError(t, err)

	updated := herniaDoc
	updated.Passages = []types.Passage{{ID: "p1", Content: "Shouldice repair is a tissue technique."}}
	writeDoc(t, dir, updated)
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	outcome, n, err := ix.IngestFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	assert.Equal(t, 1, n)

	hits, err := ix.Search(context.Background(), Query{Text: "mesh"})
	require.NoError(t, err)
	assert.Empty(t, hits, "old passages are removed from the FTS index")

	hits, err = ix.Search(context.Background(), Query{Text: "shouldice"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "jones-2019#p1", hits[0].PassageID)

	stats, err := ix.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Embedded)
}

func TestSearchHybrid(t *testing.T) {
	ix, dir := testIndex(t, &hashEmbedder{})
	writeDoc(t, dir, gallbladderDoc)
	writeDoc(t, dir, herniaDoc)
	_, err := ix.Ingest(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)

	query := "gallstones: laparoscopic cholecystectomy?"
	hits, err := ix.Search(context.Background(), Query{
		Text:   query,
		Vector: provider.HashEmbedding(query, 64),
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	top := hits[0]
	assert.Equal(t, "smith-2021#p1", top.PassageID)
	assert.Equal(t, "Laparoscopic cholecystectomy outcomes", top.Title)
	assert.Equal(t, []string{"Smith J"}, top.Authors)
	assert.Equal(t, 2021, top.Year)
	assert.Greater(t, top.Keyword, 0.0)
	assert.Greater(t, top.Cosine, 0.0)
}

func TestSearchNoTerms(t *testing.T) {
	ix, _ := testIndex(t, nil)
	hits, err := ix.Search(context.Background(), Query{Text: "the and ..."})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestFTSQuery(t *testing.T) {
	assert.Equal(t, `"bile" OR "duct" OR "injury"`, FTSQuery("Bile-duct injury (the) bile"))
	assert.Equal(t, "", FTSQuery("?!"))
}

func TestFigures(t *testing.T) {
	ix, dir := testIndex(t, nil)
	writeDoc(t, dir, gallbladderDoc)
	_, err := ix.Ingest(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)

	figs, err := ix.Figures(context.Background(), []string{"smith-2021", "missing"})
	require.NoError(t, err)
	require.Len(t, figs, 1)
	assert.Equal(t, "smith-2021#fig1", figs[0].ID)
	assert.Equal(t, filepath.Join(dir, "figures", "critical-view.png"), figs[0].Path)
	assert.Equal(t, "image/png", figs[0].MIMEType)

	none, err := ix.Figures(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRemoveCascades(t *testing.T) {
	ix, dir := testIndex(t, nil)
	writeDoc(t, dir, gallbladderDoc)
	_, err := ix.Ingest(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)

	require.NoError(t, ix.Remove(context.Background(), "smith-2021"))
	stats, err := ix.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	hits, err := ix.Search(context.Background(), Query{Text: "cholecystectomy"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestWatchReingests(t *testing.T) {
	ix, dir := testIndex(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan WatchEvent, 4)
	done := make(chan error, 1)
	go func() { done <- ix.Watch(ctx, 20*time.Millisecond, func(e WatchEvent) { events <- e }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeDoc(t, dir, herniaDoc)

	select {
	case e := <-events:
		require.NoError(t, e.Err)
		assert.True(t, strings.HasSuffix(e.Path, "jones-2019.yaml"))
		assert.Equal(t, OutcomeIndexed, e.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("no watch event")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestWatchReingestsAndRemoves(t *testing.T) {
	ix, dir := testIndex(t, &hashEmbedder{})
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan WatchEvent, 16)
	done := make(chan error, 1)
	go func() {
		done <- ix.Watch(ctx, 10*time.Millisecond, func(e WatchEvent) {
			select {
			case events <- e:
			default:
			}
		})
	}()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// The watcher registers asynchronously, so keep touching the file until
	// an ingestion is reported.
	var got WatchEvent
	require.Eventually(t, func() bool {
		select {
		case got = <-events:
			return !got.Removed
		default:
			writeDoc(t, dir, herniaDoc)
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, got.Err)
	assert.Equal(t, "jones-2019.yaml", filepath.Base(got.Path))

	stats, err := ix.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents)

	require.NoError(t, os.Remove(filepath.Join(dir, "jones-2019.yaml")))
	require.Eventually(t, func() bool {
		select {
		case e := <-events:
			return e.Removed && e.Err == nil
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)

	stats, err = ix.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Documents)
}
