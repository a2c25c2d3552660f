// Package uploads finds inline data-URL files in order documents, places them in
// the blob store and swaps each one for a placement reference.
package uploads

import (
	"context"
	"crypto/sha256"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inkline/orderforwarder/internal/blobstore"
	"github.com/inkline/orderforwarder/internal/config"
	"github.com/inkline/orderforwarder/internal/domain"
	"github.com/inkline/orderforwarder/internal/jsontree"
	"github.com/inkline/orderforwarder/internal/metrics"
	"github.com/inkline/orderforwarder/internal/normalizer"
)

// hintKeys name the file on the container object holding a blob
var hintKeys = []string{"name", "fileName", "filename", "originalName"}

// A container's name describes the blob only when the container is the file
// itself: it carries file metadata, or the blob sits under a file field.
var (
	fileMetaKeys  = []string{"type", "size", "mime", "mimeType", "lastModified"}
	fileFieldKeys = map[string]bool{"file": true, "upload": true, "uploadedFile": true, "data": true, "dataUrl": true, "content": true}
)

// FolderKey holds the candidates for the per-order upload folder
type FolderKey struct {
	LedgerOrderNumber  string
	PayloadOrderNumber string
	LedgerRecordID     string
	OrderID            string
}

// Resolve returns the first usable candidate, or "" for the base folder root.
func (k FolderKey) Resolve() string {
	for _, c := range []string{k.LedgerOrderNumber, k.PayloadOrderNumber, k.LedgerRecordID, k.OrderID} {
		if s := sanitizeSegment(c); s != "" {
			return s
		}
	}
	return ""
}

// FolderKeyFor collects the folder candidates of a normalized order
func FolderKeyFor(doc *domain.CanonicalOrder, ledger *domain.LedgerIdentity) FolderKey {
	var k FolderKey
	if doc != nil {
		k.OrderID = doc.Order.OrderID
		if doc.Order.OrderNumber != nil {
			k.PayloadOrderNumber = *doc.Order.OrderNumber
		}
	}
	if ledger != nil {
		if ledger.OrderNumber != nil {
			k.LedgerOrderNumber = *ledger.OrderNumber
		}
		if ledger.LedgerRecordID != nil {
			k.LedgerRecordID = *ledger.LedgerRecordID
		}
	}
	return k
}

// Extractor places inline blobs. A nil store leaves blobs in place with a warning.
type Extractor struct {
	store       blobstore.Store
	baseFolder  string
	concurrency int
	callTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
}

func NewExtractor(store blobstore.Store, cfg config.BlobConfig, callTimeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Extractor {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	newID, err := nanoid.Standard(10)
	if err != nil {
		newID = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:10] }
	}
	return &Extractor{
		store:       store,
		baseFolder:  strings.TrimSuffix(cfg.BaseFolder, "/"),
		concurrency: concurrency,
		callTimeout: callTimeout,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
		newID:       newID,
	}
}

// Enabled reports whether a blob store is configured
func (e *Extractor) Enabled() bool {
	return e.store != nil
}

// found is one distinct inline blob; where/hint come from its first occurrence
type found struct {
	raw   string
	where string
	hint  string
}

type placed struct {
	placement *domain.Placement
	err       error
}

// ExtractAndPlace returns a copy of tree in which every inline blob outside
// _raw_payload is replaced by a placement object or an {error} marker. Failures
// never stop the other placements; each becomes a warning, and warnings are also
// appended to the tree's _forwarder_warnings. Placement objects already in the
// tree are left alone.
func (e *Extractor) ExtractAndPlace(ctx context.Context, tree any, folder FolderKey) (any, []domain.Warning) {
	index := make(map[[32]byte]int)
	var blobs []found
	collect(tree, "", "", index, &blobs)

	if len(blobs) == 0 {
		return jsontree.Clone(tree), nil
	}

	if e.store == nil {
		w := e.warning("uploads", fmt.Sprintf("blob store not configured, %d inline file(s) left in place", len(blobs)))
		return foldWarnings(jsontree.Clone(tree), []domain.Warning{w}), []domain.Warning{w}
	}

	results := make([]placed, len(blobs))
	stamp := strconv.FormatInt(e.now().UnixMilli(), 10)
	dir := e.folderFor(folder)

	ids := make([]string, len(blobs))
	for i := range ids {
		ids[i] = e.newID()
	}

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i := range blobs {
		g.Go(func() error {
			results[i] = e.place(ctx, blobs[i], dir, stamp+"-"+ids[i])
			return nil
		})
	}
	_ = g.Wait()

	var warnings []domain.Warning
	for i, r := range results {
		if r.err != nil {
			warnings = append(warnings, e.warning(blobs[i].where, r.err.Error()))
		}
	}

	out := rebuild(tree, index, results)
	if len(warnings) > 0 {
		out = foldWarnings(out, warnings)
	}
	e.logger.Info("Placed inline uploads",
		zap.String("folder", dir),
		zap.Int("files", len(blobs)),
		zap.Int("failed", len(warnings)),
	)
	return out, warnings
}

func (e *Extractor) folderFor(folder FolderKey) string {
	if key := folder.Resolve(); key != "" {
		return e.baseFolder + "/" + key
	}
	return e.baseFolder
}

func (e *Extractor) place(ctx context.Context, b found, dir, prefix string) placed {
	blob, err := decodeInlineBlob(b.raw)
	if err != nil {
		e.metrics.ObservePlacement("failed")
		return placed{err: fmt.Errorf("undecodable file: %w", err)}
	}

	name := fmt.Sprintf("%s-%s.%s", prefix, sanitizeHint(b.hint), extensionFor(blob.mime, b.hint))
	target := dir + "/" + name

	putCtx, cancel := e.callContext(ctx)
	started := time.Now()
	loc, err := e.store.Put(putCtx, blob.data, target)
	e.metrics.ObserveCall("blobstore", "put", started, &err)
	cancel()
	if err != nil {
		e.logger.Warn("Upload placement failed", zap.String("where", b.where), zap.String("path", target), zap.Error(err))
		e.metrics.ObservePlacement("failed")
		return placed{err: fmt.Errorf("upload failed: %w", err)}
	}

	p := &domain.Placement{DropboxPath: loc.Path, Name: path.Base(loc.Path), Size: len(blob.data)}

	linkCtx, cancel := e.callContext(ctx)
	started = time.Now()
	link, err := e.store.CreateLink(linkCtx, loc.Path)
	e.metrics.ObserveCall("blobstore", "link", started, &err)
	cancel()
	if err != nil {
		e.logger.Warn("Shared link creation failed, keeping placement without url",
			zap.String("path", loc.Path), zap.Error(err))
		e.metrics.ObservePlacement("link_failed")
	} else {
		if link != "" {
			p.URL = &link
		}
		e.metrics.ObservePlacement("placed")
	}
	return placed{placement: p}
}

func (e *Extractor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.callTimeout > 0 {
		return context.WithTimeout(ctx, e.callTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Extractor) warning(where, message string) domain.Warning {
	return domain.Warning{
		When:    e.now().UTC().Format(time.RFC3339),
		Where:   where,
		Message: message,
	}
}

// collect records distinct inline blobs in walk order
func collect(node any, where, hint string, index map[[32]byte]int, blobs *[]found) {
	switch t := node.(type) {
	case *jsontree.Object:
		containerHint := ""
		for _, k := range hintKeys {
			if s, ok := t.Value(k).(string); ok && s != "" && !IsInlineBlob(s) {
				containerHint = s
				break
			}
		}
		fileObject := false
		for _, k := range fileMetaKeys {
			if _, ok := t.Get(k); ok {
				fileObject = true
				break
			}
		}
		for _, k := range t.Keys() {
			if k == normalizer.RawPayloadKey {
				continue
			}
			h := k
			if containerHint != "" && (fileObject || fileFieldKeys[k]) {
				h = containerHint
			}
			collect(t.Value(k), joinWhere(where, k), h, index, blobs)
		}
	case []any:
		for i, v := range t {
			collect(v, where+"["+strconv.Itoa(i)+"]", hint, index, blobs)
		}
	case string:
		if !IsInlineBlob(t) {
			if inner := expandContainer(t); inner != nil {
				collect(inner, where, hint, index, blobs)
			}
			return
		}
		sum := sha256.Sum256([]byte(t))
		if _, ok := index[sum]; ok {
			return
		}
		index[sum] = len(*blobs)
		*blobs = append(*blobs, found{raw: t, where: where, hint: hint})
	}
}

// rebuild copies node, substituting a fresh result object for every blob occurrence
func rebuild(node any, index map[[32]byte]int, results []placed) any {
	switch t := node.(type) {
	case *jsontree.Object:
		out := jsontree.NewObject()
		for _, k := range t.Keys() {
			if k == normalizer.RawPayloadKey {
				out.Set(k, jsontree.Clone(t.Value(k)))
				continue
			}
			out.Set(k, rebuild(t.Value(k), index, results))
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = rebuild(v, index, results)
		}
		return out
	case string:
		if !IsInlineBlob(t) {
			// a stringified container is replaced by its decoded form only
			// when it held blobs
			if inner := expandContainer(t); inner != nil && hasInlineBlob(inner) {
				return rebuild(inner, index, results)
			}
			return t
		}
		i, ok := index[sha256.Sum256([]byte(t))]
		if !ok {
			return t
		}
		return resultNode(results[i])
	default:
		return t
	}
}

// expandContainer decodes a string holding a JSON object or array, or returns nil
func expandContainer(s string) any {
	switch v := jsontree.ParseLoose(s).(type) {
	case *jsontree.Object, []any:
		return v
	}
	return nil
}

func hasInlineBlob(node any) bool {
	switch t := node.(type) {
	case *jsontree.Object:
		for _, k := range t.Keys() {
			if k != normalizer.RawPayloadKey && hasInlineBlob(t.Value(k)) {
				return true
			}
		}
	case []any:
		for _, v := range t {
			if hasInlineBlob(v) {
				return true
			}
		}
	case string:
		if IsInlineBlob(t) {
			return true
		}
		if inner := expandContainer(t); inner != nil {
			return hasInlineBlob(inner)
		}
	}
	return false
}

func resultNode(r placed) any {
	if r.err != nil {
		obj := jsontree.NewObject()
		obj.Set("error", r.err.Error())
		return obj
	}
	node, err := jsontree.FromValue(r.placement)
	if err != nil {
		obj := jsontree.NewObject()
		obj.Set("error", err.Error())
		return obj
	}
	return node
}

// foldWarnings appends warnings to the root's _forwarder_warnings list
func foldWarnings(tree any, warnings []domain.Warning) any {
	root, ok := tree.(*jsontree.Object)
	if !ok || root == nil {
		return tree
	}
	var list []any
	if existing, ok := jsontree.ParseLoose(root.Value(normalizer.WarningsKey)).([]any); ok {
		list = append(list, existing...)
	}
	for _, w := range warnings {
		if node, err := jsontree.FromValue(w); err == nil {
			list = append(list, node)
		}
	}
	root.Set(normalizer.WarningsKey, list)
	return root
}

func joinWhere(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}
