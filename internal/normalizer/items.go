package normalizer

import (
	"strings"

	"github.com/inkline/orderforwarder/internal/domain"
	"github.com/inkline/orderforwarder/internal/jsontree"
)

var (
	designKeys    = []string{"design", "upload", "file", "uploadedFile"}
	mockupKeys    = []string{"mockup", "mockupImage", "mockupUrl"}
	worksheetKeys = []string{"worksheet", "worksheetImage", "worksheetUrl"}
)

// projectItems maps cart entries to line items. Entries that are not objects
// (after one tolerant decode) are skipped.
func projectItems(cart []any) []domain.LineItem {
	items := make([]domain.LineItem, 0, len(cart))
	seen := make(map[string]bool, len(cart))
	for i, raw := range cart {
		entry := asObject(raw)
		if entry == nil {
			continue
		}
		colors, breakdown := flattenSizes(entry)
		item := domain.LineItem{
			LineID:        lineIDFor(entry, i, seen),
			ProductSKU:    firstString([]*jsontree.Object{entry}, "productSku", "product_sku", "sku", "productId"),
			ProductName:   firstString([]*jsontree.Object{entry}, "productName", "product_name", "name", "title"),
			Colors:        colors,
			SizeBreakdown: breakdown,
			PrintAreas:    projectPrintAreas(entry),
			Mockup:        jsontree.Clone(firstValue(entry, mockupKeys...)),
			Worksheet:     jsontree.Clone(firstValue(entry, worksheetKeys...)),
		}
		items = append(items, item)
	}
	return items
}

// flattenSizes walks {color: {size: qty}} colors first, then sizes, both in
// source order. A legacy color+sizeMatrix pair is a one-entry matrix.
// Sizes with a zero quantity are dropped.
func flattenSizes(entry *jsontree.Object) ([]string, []domain.SizeQty) {
	matrices := asObject(entry.Value("sizeMatrices"))
	if matrices == nil || matrices.Len() == 0 {
		matrices = jsontree.NewObject()
		if single := asObject(entry.Value("sizeMatrix")); single != nil {
			color := firstString([]*jsontree.Object{entry}, "color", "selectedColor")
			matrices.Set(color, single)
		}
	}

	colors := make([]string, 0, matrices.Len())
	breakdown := make([]domain.SizeQty, 0)
	for _, color := range matrices.Keys() {
		sizes := asObject(matrices.Value(color))
		if sizes == nil {
			continue
		}
		if color != "" {
			colors = append(colors, color)
		}
		for _, size := range sizes.Keys() {
			qty := asQty(sizes.Value(size))
			if qty == 0 {
				continue
			}
			breakdown = append(breakdown, domain.SizeQty{Size: size, Qty: qty})
		}
	}
	if len(colors) == 0 {
		colors = nil
	}
	return colors, breakdown
}

// projectPrintAreas accepts bare area keys (legacy, implies print) or objects,
// always emitting the object form.
func projectPrintAreas(entry *jsontree.Object) []domain.PrintArea {
	raw := asList(firstValue(entry, "selectedPrintAreas", "printAreas", "print_areas"))
	// Per-area uploads may sit beside the areas as {areaKey: blob}
	uploads := asObject(firstValue(entry, "uploads", "designs", "uploadedFiles"))

	areas := make([]domain.PrintArea, 0, len(raw))
	for _, v := range raw {
		var area domain.PrintArea
		switch t := jsontree.ParseLoose(v).(type) {
		case string:
			area = domain.PrintArea{AreaKey: strings.TrimSpace(t), Method: domain.PrintMethodPrint}
		case *jsontree.Object:
			area = domain.PrintArea{
				AreaKey:          firstString([]*jsontree.Object{t}, "areaKey", "area_key", "key", "id"),
				Method:           resolveMethod(firstString([]*jsontree.Object{t}, "method")),
				DesignerComments: firstString([]*jsontree.Object{t}, "designerComments", "designer_comments", "comments"),
				PrintColor:       firstString([]*jsontree.Object{t}, "printColor", "print_color", "color"),
				Design:           jsontree.Clone(firstValue(t, designKeys...)),
			}
		default:
			continue
		}
		if area.AreaKey == "" {
			continue
		}
		if area.Design == nil && uploads != nil {
			area.Design = jsontree.Clone(firstValue(uploads, area.AreaKey))
		}
		areas = append(areas, area)
	}
	return areas
}

func resolveMethod(m string) domain.PrintMethod {
	switch strings.ToLower(m) {
	case "embo", "embroidery", "embroidered":
		return domain.PrintMethodEmbo
	default:
		return domain.PrintMethodPrint
	}
}
