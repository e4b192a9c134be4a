// SPDX-License-Identifier: MIT

package mixer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSceneFile(t *testing.T, dir string, scene *Scene) {
	t.Helper()
	data, err := json.Marshal(scene)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, scene.SceneID+".json"), data, 0o640))
}

func TestStoreLoadsScenes(t *testing.T) {
	dir := t.TempDir()
	writeSceneFile(t, dir, validScene())
	writeSceneFile(t, dir, &Scene{
		SceneID: "full_cam0",
		Slots: []Slot{{
			Source: Source{Kind: SourceCamera, Ref: "cam0"},
			W:      1, H: 1, Opacity: 1,
		}},
	})
	// Garbage files are skipped, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{nope"), 0o640))

	st, err := NewStore(dir)
	require.NoError(t, err)

	assert.Len(t, st.List(), 2)
	scene, err := st.Get("side_by_side")
	require.NoError(t, err)
	assert.Len(t, scene.Slots, 2)

	_, err = st.Get("missing")
	require.Error(t, err)
}

func TestStorePutPersists(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, st.Put(validScene()))

	reloaded, err := NewStore(dir)
	require.NoError(t, err)
	scene, err := reloaded.Get("side_by_side")
	require.NoError(t, err)
	if diff := cmp.Diff(validScene(), scene); diff != "" {
		t.Errorf("scene changed across persist/reload (-want +got):\n%s", diff)
	}
}

func TestStorePutRejectsInvalid(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)

	bad := validScene()
	bad.Slots[0].Source.Kind = "hologram"
	require.Error(t, st.Put(bad))
	assert.Empty(t, st.List())
}

func TestStoreWatchReload(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir)
	require.NoError(t, err)

	var mu sync.Mutex
	var changed []string
	require.NoError(t, st.Watch(func(id string) {
		mu.Lock()
		changed = append(changed, id)
		mu.Unlock()
	}))
	defer func() { _ = st.Close() }()

	writeSceneFile(t, dir, validScene())

	require.Eventually(t, func() bool {
		_, err := st.Get("side_by_side")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, changed, "side_by_side")
}

func TestStoreWatchIgnoresInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	writeSceneFile(t, dir, validScene())
	st, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, st.Watch(nil))
	defer func() { _ = st.Close() }()

	// Corrupt the file on disk; the loaded version must survive.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "side_by_side.json"), []byte("{"), 0o640))

	time.Sleep(400 * time.Millisecond)
	scene, err := st.Get("side_by_side")
	require.NoError(t, err)
	assert.Len(t, scene.Slots, 2)
}

func TestGraphicsClient(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`[{"id":"scorebug","kind":"lower_third","visible":true}]`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewGraphicsClient(srv.URL, time.Second)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, Overlay{ID: "scorebug", Kind: "lower_third"}))
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/overlays/scorebug", gotPath)

	require.NoError(t, c.SetVisible(ctx, "scorebug", true))
	assert.Equal(t, "/overlays/scorebug/visibility", gotPath)

	overlays, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, overlays, 1)
	assert.True(t, overlays[0].Visible)

	require.NoError(t, c.Delete(ctx, "scorebug"))
	assert.Equal(t, http.MethodDelete, gotMethod)
}

func TestGraphicsClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewGraphicsClient(srv.URL, time.Second)
	require.Error(t, c.SetVisible(context.Background(), "x", false))
}
