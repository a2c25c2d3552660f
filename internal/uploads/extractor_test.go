package uploads

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/blobstore"
	"github.com/inkline/orderforwarder/internal/config"
	"github.com/inkline/orderforwarder/internal/jsontree"
)

type fakeStore struct {
	mu      sync.Mutex
	puts    map[string][]byte
	failOn  string
	linkErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{puts: map[string][]byte{}}
}

func (f *fakeStore) Put(_ context.Context, data []byte, path string) (blobstore.Placement, error) {
	if f.failOn != "" && string(data) == f.failOn {
		return blobstore.Placement{}, errors.New("rejected by store")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[path] = data
	return blobstore.Placement{Path: path}, nil
}

func (f *fakeStore) CreateLink(_ context.Context, path string) (string, error) {
	if f.linkErr != nil {
		return "", f.linkErr
	}
	return "https://files.example/" + path, nil
}

func (f *fakeStore) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

var fixedNow = time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

func newTestExtractor(store blobstore.Store) *Extractor {
	cfg := config.BlobConfig{BaseFolder: "/orders", Concurrency: 3}
	e := NewExtractor(store, cfg, time.Second, nil, zap.NewNop())
	e.now = func() time.Time { return fixedNow }
	return e
}

func dataURL(mime, content string) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString([]byte(content))
}

func mustTree(t *testing.T, raw string) any {
	t.Helper()
	tree, err := jsontree.Decode([]byte(raw))
	require.NoError(t, err)
	return tree
}

// inlineBlobs counts inline blob strings, optionally skipping _raw_payload
func inlineBlobs(node any, skipRaw bool) int {
	switch t := node.(type) {
	case *jsontree.Object:
		n := 0
		for _, k := range t.Keys() {
			if skipRaw && k == "_raw_payload" {
				continue
			}
			n += inlineBlobs(t.Value(k), skipRaw)
		}
		return n
	case []any:
		n := 0
		for _, v := range t {
			n += inlineBlobs(v, skipRaw)
		}
		return n
	case string:
		if IsInlineBlob(t) {
			return 1
		}
	}
	return 0
}

// resultObjects counts placement objects and error markers
func resultObjects(node any) (placements, failures int) {
	switch t := node.(type) {
	case *jsontree.Object:
		if _, ok := t.Get("dropbox_path"); ok {
			return 1, 0
		}
		if _, ok := t.Get("error"); ok && t.Len() == 1 {
			return 0, 1
		}
		for _, k := range t.Keys() {
			if k == "_raw_payload" || k == "_forwarder_warnings" {
				continue
			}
			p, f := resultObjects(t.Value(k))
			placements += p
			failures += f
		}
	case []any:
		for _, v := range t {
			p, f := resultObjects(v)
			placements += p
			failures += f
		}
	}
	return placements, failures
}

func TestExtractAndPlace_RoundTrip(t *testing.T) {
	store := newFakeStore()
	e := newTestExtractor(store)
	tree := mustTree(t, fmt.Sprintf(`{
		"cart": [{"selectedPrintAreas": [{"areaKey": "front", "file": %q, "name": "Logo Final.PNG"}], "mockup": %q}],
		"extra": {"deep": {"deeper": [{"x": %q}]}},
		"_raw_payload": {"cart": [{"mockup": %q}]}
	}`, dataURL("image/png", "front-art"), dataURL("image/jpeg", "mock"), dataURL("application/pdf", "sheet"), dataURL("image/jpeg", "stale")))

	out, warnings := e.ExtractAndPlace(context.Background(), tree, FolderKey{LedgerOrderNumber: "1042"})

	assert.Empty(t, warnings)
	assert.Equal(t, 0, inlineBlobs(out, true))
	assert.Equal(t, 1, inlineBlobs(out.(*jsontree.Object).Value("_raw_payload"), false))
	placements, failures := resultObjects(out)
	assert.Equal(t, 3, placements)
	assert.Equal(t, 0, failures)
	assert.Equal(t, 3, store.putCount())

	// input tree is untouched
	assert.Equal(t, 4, inlineBlobs(tree, false))

	area := out.(*jsontree.Object).Value("cart").([]any)[0].(*jsontree.Object).Value("selectedPrintAreas").([]any)[0].(*jsontree.Object)
	placement := area.Value("file").(*jsontree.Object)
	assert.Regexp(t, regexp.MustCompile(`^/orders/1042/1772361000000-[A-Za-z0-9_-]{10}-logo-final\.png$`), placement.Value("dropbox_path"))
	assert.Equal(t, "https://files.example/"+placement.Value("dropbox_path").(string), placement.Value("url"))
	assert.Equal(t, "9", fmt.Sprint(placement.Value("size")))
	assert.Equal(t, []string{"url", "dropbox_path", "name", "size"}, placement.Keys())
}

func TestExtractAndPlace_PartialFailureIsolated(t *testing.T) {
	store := newFakeStore()
	store.failOn = "two"
	e := newTestExtractor(store)
	tree := mustTree(t, fmt.Sprintf(`{"items": [{"mockup": %q}, {"mockup": %q}, {"worksheet": %q}]}`,
		dataURL("image/png", "one"), dataURL("image/png", "two"), dataURL("image/png", "three")))

	out, warnings := e.ExtractAndPlace(context.Background(), tree, FolderKey{})

	require.Len(t, warnings, 1)
	assert.Equal(t, "items[1].mockup", warnings[0].Where)
	assert.Contains(t, warnings[0].Message, "rejected by store")

	placements, failures := resultObjects(out)
	assert.Equal(t, 2, placements)
	assert.Equal(t, 1, failures)
	assert.Equal(t, 0, inlineBlobs(out, true))

	folded := out.(*jsontree.Object).Value("_forwarder_warnings").([]any)
	require.Len(t, folded, 1)
	assert.Equal(t, "items[1].mockup", folded[0].(*jsontree.Object).Value("where"))
}

func TestExtractAndPlace_RerunIsNoop(t *testing.T) {
	store := newFakeStore()
	e := newTestExtractor(store)
	tree := mustTree(t, fmt.Sprintf(`{"items": [{"mockup": %q}]}`, dataURL("image/png", "art")))

	first, _ := e.ExtractAndPlace(context.Background(), tree, FolderKey{OrderID: "rec1"})
	second, warnings := e.ExtractAndPlace(context.Background(), first, FolderKey{OrderID: "rec1"})

	assert.Empty(t, warnings)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.putCount())
}

func TestExtractAndPlace_DeduplicatesIdenticalBlobs(t *testing.T) {
	store := newFakeStore()
	e := newTestExtractor(store)
	blob := dataURL("image/png", "same")
	tree := mustTree(t, fmt.Sprintf(`{"items": [{"mockup": %q}, {"mockup": %q}]}`, blob, blob))

	out, warnings := e.ExtractAndPlace(context.Background(), tree, FolderKey{})

	assert.Empty(t, warnings)
	assert.Equal(t, 1, store.putCount())
	placements, _ := resultObjects(out)
	assert.Equal(t, 2, placements)

	items := out.(*jsontree.Object).Value("items").([]any)
	a := items[0].(*jsontree.Object).Value("mockup").(*jsontree.Object)
	b := items[1].(*jsontree.Object).Value("mockup").(*jsontree.Object)
	assert.Equal(t, a, b)
	assert.NotSame(t, a, b)
}

func TestExtractAndPlace_LinkFailureKeepsPlacement(t *testing.T) {
	store := newFakeStore()
	store.linkErr = errors.New("sharing disabled")
	e := newTestExtractor(store)
	tree := mustTree(t, fmt.Sprintf(`{"mockup": %q}`, dataURL("image/png", "art")))

	out, warnings := e.ExtractAndPlace(context.Background(), tree, FolderKey{})

	assert.Empty(t, warnings)
	placement := out.(*jsontree.Object).Value("mockup").(*jsontree.Object)
	url, present := placement.Get("url")
	assert.True(t, present)
	assert.Nil(t, url)
	assert.Regexp(t, `^/orders/1772361000000-`, placement.Value("dropbox_path"))
}

func TestExtractAndPlace_UndecodableBlobBecomesError(t *testing.T) {
	store := newFakeStore()
	e := newTestExtractor(store)
	tree := mustTree(t, `{"mockup": "data:image/png;base64,!!!not-base64!!!"}`)

	out, warnings := e.ExtractAndPlace(context.Background(), tree, FolderKey{})

	require.Len(t, warnings, 1)
	assert.Equal(t, "mockup", warnings[0].Where)
	_, failures := resultObjects(out)
	assert.Equal(t, 1, failures)
	assert.Equal(t, 0, store.putCount())
}

func TestExtractAndPlace_WithoutStoreKeepsBlobs(t *testing.T) {
	e := newTestExtractor(nil)
	tree := mustTree(t, fmt.Sprintf(`{"mockup": %q, "_forwarder_warnings": [{"when": "t", "where": "earlier", "message": "m"}]}`, dataURL("image/png", "art")))

	out, warnings := e.ExtractAndPlace(context.Background(), tree, FolderKey{})

	require.Len(t, warnings, 1)
	assert.Equal(t, "uploads", warnings[0].Where)
	assert.Equal(t, 1, inlineBlobs(out, true))
	assert.Len(t, out.(*jsontree.Object).Value("_forwarder_warnings"), 2)
	assert.False(t, e.Enabled())
}

func TestFolderKey_Resolve(t *testing.T) {
	tests := []struct {
		name string
		key  FolderKey
		want string
	}{
		{"ledger number first", FolderKey{LedgerOrderNumber: "1042", PayloadOrderNumber: "9", LedgerRecordID: "rec", OrderID: "o"}, "1042"},
		{"payload number", FolderKey{PayloadOrderNumber: "9", LedgerRecordID: "rec", OrderID: "o"}, "9"},
		{"ledger record", FolderKey{LedgerRecordID: "rec", OrderID: "o"}, "rec"},
		{"order id", FolderKey{OrderID: "local-1/2"}, "local-1-2"},
		{"root", FolderKey{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.Resolve())
		})
	}
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, "png", extensionFor("image/png", "x.jpg"))
	assert.Equal(t, "jpg", extensionFor("image/jpeg", ""))
	assert.Equal(t, "ai", extensionFor("application/octet-stream", "artwork.AI"))
	assert.Equal(t, "svg", extensionFor("", "logo.svg"))
	assert.Equal(t, "bin", extensionFor("", "mockup"))
}

func TestSanitizeHint(t *testing.T) {
	assert.Equal(t, "logo-final", sanitizeHint("Logo Final.PNG"))
	assert.Equal(t, "design", sanitizeHint(`C:\Users\me\design.ai`))
	assert.Equal(t, "file", sanitizeHint("..."))
	assert.Equal(t, "file", sanitizeHint(""))
	assert.Len(t, sanitizeHint("a-very-long-file-name-that-goes-on-and-on-forever.png"), 40)
}

func TestIsInlineBlob(t *testing.T) {
	assert.True(t, IsInlineBlob(dataURL("image/png", "x")))
	assert.True(t, IsInlineBlob("data:image/svg+xml;charset=utf-8;base64,PHN2Zy8+"))
	assert.True(t, IsInlineBlob("data:;base64,AAAA"))
	assert.False(t, IsInlineBlob("https://example.com/a.png"))
	assert.False(t, IsInlineBlob("data:text/plain,hello"))
}

func TestExtractAndPlace_StringifiedContainers(t *testing.T) {
	store := newFakeStore()
	e := newTestExtractor(store)
	areas, err := json.Marshal([]any{"back", map[string]any{"areaKey": "front", "design": dataURL("image/png", "art")}})
	require.NoError(t, err)
	cart, err := json.Marshal([]any{map[string]any{
		"name":               "Tee",
		"mockup":             dataURL("image/png", "mock"),
		"selectedPrintAreas": string(areas),
	}})
	require.NoError(t, err)
	tree := mustTree(t, fmt.Sprintf(`{"cart": %q, "meta": "{\"source\":\"web\"}"}`, string(cart)))

	out, warnings := e.ExtractAndPlace(context.Background(), tree, FolderKey{LedgerOrderNumber: "1042"})

	assert.Empty(t, warnings)
	assert.Equal(t, 2, store.putCount())
	root := out.(*jsontree.Object)
	assert.Equal(t, `{"source":"web"}`, root.Value("meta"), "containers without blobs stay as sent")

	line := root.Value("cart").([]any)[0].(*jsontree.Object)
	assert.Equal(t, 0, inlineBlobs(line, false))
	assert.Regexp(t, regexp.MustCompile(`^/orders/1042/1772361000000-[A-Za-z0-9_-]{10}-mockup\.png$`),
		line.Value("mockup").(*jsontree.Object).Value("dropbox_path"))
	area := line.Value("selectedPrintAreas").([]any)[1].(*jsontree.Object)
	assert.Regexp(t, regexp.MustCompile(`-design\.png$`), area.Value("design").(*jsontree.Object).Value("dropbox_path"))

	// input tree is untouched
	_, isString := tree.(*jsontree.Object).Value("cart").(string)
	assert.True(t, isString)
}

func TestExtractAndPlace_HintPrefersFieldOverProductName(t *testing.T) {
	store := newFakeStore()
	e := newTestExtractor(store)
	tree := mustTree(t, fmt.Sprintf(`{"cart": [{"name": "Tee", "mockup": %q,
		"back": {"name": "Back Art.png", "type": "image/png", "data": %q}}]}`,
		dataURL("image/png", "mock"), dataURL("image/png", "back-art")))

	out, warnings := e.ExtractAndPlace(context.Background(), tree, FolderKey{LedgerOrderNumber: "7"})
	require.Empty(t, warnings)

	line := out.(*jsontree.Object).Value("cart").([]any)[0].(*jsontree.Object)
	assert.Regexp(t, regexp.MustCompile(`-mockup\.png$`), line.Value("mockup").(*jsontree.Object).Value("dropbox_path"))
	back := line.Value("back").(*jsontree.Object)
	assert.Regexp(t, regexp.MustCompile(`-back-art\.png$`), back.Value("data").(*jsontree.Object).Value("dropbox_path"))
}
