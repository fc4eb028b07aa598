package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kagami/internal/config"
	"github.com/hyperjump/kagami/internal/embedding"
	"github.com/hyperjump/kagami/internal/models"
	"github.com/hyperjump/kagami/internal/store"
)

// fakeEmbedder returns fixed vectors per path and fails extraction for unknown paths.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
}

func newFakeEmbedder(vectors map[string][]float32) *fakeEmbedder {
	return &fakeEmbedder{vectors: vectors}
}

func (f *fakeEmbedder) Embed(_ context.Context, path string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vectors[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", embedding.ErrExtractionFailed, path)
	}
	return append([]float32(nil), v...), nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }
func (f *fakeEmbedder) Close() error    { return nil }

func rec(id string) models.VideoRecord {
	return models.VideoRecord{Identity: id, DisplayName: id, Path: "/videos/" + id}
}

type fixture struct {
	store    *store.Store
	service  *Service
	embedder *fakeEmbedder
}

func newFixture(t *testing.T, cfg *config.SearchConfig) *fixture {
	t.Helper()
	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "features.kgix"), filepath.Join(dir, "metadata.msgpack"))
	emb := newFakeEmbedder(map[string][]float32{
		"/q/a.mp4":    {1, 0, 0},
		"/q/b.mp4":    {0, 1, 0},
		"/q/c.mp4":    {0, 0, 1},
		"/q/ab.mp4":   {1, 1, 0},
		"/q/flat.mp4": {1, 0},
	})
	if cfg == nil {
		cfg = &config.SearchConfig{DefaultK: 5, MaxK: 100}
	}
	svc := NewService(st, emb, cfg)
	t.Cleanup(func() { _ = svc.Close() })
	return &fixture{store: st, service: svc, embedder: emb}
}

func (f *fixture) append(t *testing.T, vectors [][]float32, records ...models.VideoRecord) {
	t.Helper()
	_, err := f.store.Append(context.Background(), vectors, records, models.ModeUpdate)
	require.NoError(t, err)
}

func TestService_SearchWithoutStore(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.service.Search(context.Background(), "/q/a.mp4", 5)
	require.ErrorIs(t, err, store.ErrStoreNotFound)
	assert.False(t, f.service.Status().Loaded)
}

func TestService_SearchEmptyPath(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.service.Search(context.Background(), "", 5)
	require.ErrorIs(t, err, models.ErrInvalidQuery)
}

func TestService_SearchKLargerThanIndex(t *testing.T) {
	f := newFixture(t, nil)
	f.append(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, rec("a"), rec("b"))

	resp, err := f.service.Search(context.Background(), "/q/a.mp4", 5)
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "a", resp.Results[0].Identity)
	assert.Equal(t, 1, resp.Results[0].Rank)
	assert.InDelta(t, 100.0, resp.Results[0].Similarity, 1e-4)
	assert.Equal(t, 2, resp.Results[1].Rank)
	assert.Equal(t, 2, resp.IndexSize)
}

func TestService_DefaultAndMaxK(t *testing.T) {
	f := newFixture(t, &config.SearchConfig{DefaultK: 2, MaxK: 3})
	f.append(t,
		[][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {1, 1, 0}, {0, 1, 1}},
		rec("a"), rec("b"), rec("c"), rec("d"), rec("e"))

	resp, err := f.service.Search(context.Background(), "/q/a.mp4", 0)
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)

	resp, err = f.service.Search(context.Background(), "/q/a.mp4", 10)
	require.NoError(t, err)
	assert.Len(t, resp.Results, 3)
}

func TestService_ReloadsAfterCommit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.append(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, rec("a"), rec("b"))

	resp, err := f.service.Search(ctx, "/q/c.mp4", 5)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.IndexSize)
	firstGen := resp.Generation

	f.append(t, [][]float32{{0, 1, 0}, {0, 0, 1}}, rec("b"), rec("c"))

	resp, err = f.service.Search(ctx, "/q/c.mp4", 5)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.IndexSize)
	assert.NotEqual(t, firstGen, resp.Generation)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "c", resp.Results[0].Identity)
}

func TestService_NoMatch(t *testing.T) {
	f := newFixture(t, nil)
	f.append(t, [][]float32{{1, 0, 0}}, rec("a"))

	_, err := f.service.Search(context.Background(), "/q/unknown.mp4", 5)
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestService_QueryDimensionMismatch(t *testing.T) {
	f := newFixture(t, nil)
	f.append(t, [][]float32{{1, 0, 0}}, rec("a"))

	_, err := f.service.Search(context.Background(), "/q/flat.mp4", 5)
	require.ErrorIs(t, err, store.ErrDimensionMismatch)
}

func TestService_TornStoreServesPreviousSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.append(t, [][]float32{{1, 0, 0}}, rec("a"))
	_, metaPath := f.store.Paths()
	oldMeta, err := os.ReadFile(metaPath)
	require.NoError(t, err)

	resp, err := f.service.Search(ctx, "/q/a.mp4", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.IndexSize)

	f.append(t, [][]float32{{0, 1, 0}}, rec("b"))
	require.NoError(t, os.WriteFile(metaPath, oldMeta, 0644))

	resp, err = f.service.Search(ctx, "/q/b.mp4", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.IndexSize)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "a", resp.Results[0].Identity)
}

func TestService_TornStoreWithoutPreviousSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.append(t, [][]float32{{1, 0, 0}}, rec("a"))
	_, metaPath := f.store.Paths()
	oldMeta, err := os.ReadFile(metaPath)
	require.NoError(t, err)
	f.append(t, [][]float32{{0, 1, 0}}, rec("b"))
	require.NoError(t, os.WriteFile(metaPath, oldMeta, 0644))

	_, err = f.service.Search(context.Background(), "/q/a.mp4", 5)
	require.ErrorIs(t, err, store.ErrTornWrite)
}

func TestService_ConcurrentSearchesDuringCommits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.append(t, [][]float32{{1, 0, 0}}, rec("a"))
	require.NoError(t, f.service.ForceReload(ctx))

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				resp, err := f.service.Search(ctx, "/q/a.mp4", 3)
				if err != nil {
					errs <- err
					return
				}
				if len(resp.Results) == 0 || resp.Results[0].Identity != "a" {
					errs <- fmt.Errorf("unexpected results %+v", resp.Results)
					return
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("v%d", i)
		_, err := f.store.Append(ctx, [][]float32{{0, 1, float32(i + 1)}}, []models.VideoRecord{rec(id)}, models.ModeUpdate)
		require.NoError(t, err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	resp, err := f.service.Search(ctx, "/q/a.mp4", 10)
	require.NoError(t, err)
	assert.Equal(t, 6, resp.IndexSize)
}

func TestService_QueryAfterCommitSkipsOlderInflightReload(t *testing.T) {
	f := newFixture(t, nil)
	f.append(t, [][]float32{{1, 0, 0}}, rec("a"))
	require.NoError(t, f.service.ForceReload(context.Background()))
	before := f.service.current.Load()

	// Hold a reload open that will hand back the pre-commit snapshot.
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _, _ = f.service.group.Do("stale", func() (any, error) {
			close(started)
			<-release
			return before, nil
		})
	}()
	<-started

	f.append(t, [][]float32{{0, 1, 0}}, rec("b"))

	done := make(chan *models.SearchResponse, 1)
	go func() {
		resp, err := f.service.Search(context.Background(), "/q/a.mp4", 5)
		if err != nil {
			t.Error(err)
		}
		done <- resp
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	resp := <-done
	require.NotNil(t, resp)
	assert.Equal(t, 2, resp.IndexSize, "a query started after the commit must see it")
}

func TestService_Verify(t *testing.T) {
	f := newFixture(t, nil)
	f.append(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, rec("a"), rec("b"))

	res, err := f.service.Verify(context.Background(), "/q/ab.mp4")
	require.NoError(t, err)
	require.NotNil(t, res.Match)
	assert.Equal(t, "a", res.Match.Identity)
	assert.Equal(t, 70.71, res.Similarity)

	_, err = f.service.Verify(context.Background(), "/q/none.mp4")
	require.ErrorIs(t, err, ErrNoMatch)

	_, err = f.service.Verify(context.Background(), "")
	require.ErrorIs(t, err, models.ErrInvalidQuery)
}

func TestService_SearchNormalizesQuery(t *testing.T) {
	f := newFixture(t, nil)
	f.append(t, [][]float32{{1, 0, 0}}, rec("a"))

	resp, err := f.service.Search(context.Background(), "/q/ab.mp4", 1)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "a", resp.Results[0].Identity)
	assert.Equal(t, 70.71, resp.Results[0].Similarity)
}

func TestService_VerifyUsesVerifier(t *testing.T) {
	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "features.kgix"), filepath.Join(dir, "metadata.msgpack"))
	_, err := st.Append(context.Background(), [][]float32{{1, 0, 0}, {0, 1, 0}}, []models.VideoRecord{rec("a"), rec("b")}, models.ModeUpdate)
	require.NoError(t, err)

	search := newFakeEmbedder(map[string][]float32{"/q/x.mp4": {1, 0, 0}})
	verify := newFakeEmbedder(map[string][]float32{"/q/x.mp4": {0, 1, 0}})
	svc := NewService(st, search, &config.SearchConfig{DefaultK: 5, MaxK: 10}, WithVerifier(verify))
	defer svc.Close()

	res, err := svc.Verify(context.Background(), "/q/x.mp4")
	require.NoError(t, err)
	require.NotNil(t, res.Match)
	assert.Equal(t, "b", res.Match.Identity)
	assert.Equal(t, 100.0, res.Similarity)
}

func TestService_FindByName(t *testing.T) {
	f := newFixture(t, nil)
	f.append(t, [][]float32{{1, 0, 0}, {0, 1, 0}},
		models.VideoRecord{Identity: "beach_day.mp4", DisplayName: "beach_day", Path: "/videos/beach_day.mp4"},
		models.VideoRecord{Identity: "city_night.mov", DisplayName: "city_night", Path: "/videos/city_night.mov"})

	hits, err := f.service.FindByName(context.Background(), "beach", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "beach_day.mp4", hits[0].Identity)
}

func TestService_StatusAndForceReload(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.ErrorIs(t, f.service.ForceReload(ctx), store.ErrStoreNotFound)

	f.append(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, rec("a"), rec("b"))
	require.NoError(t, f.service.ForceReload(ctx))

	st := f.service.Status()
	assert.True(t, st.Loaded)
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, 3, st.Dimensions)
	assert.NotEmpty(t, st.Generation)
	assert.False(t, st.LoadedAt.IsZero())
}
