package normalizer

import (
	"github.com/shopspring/decimal"

	"github.com/inkline/orderforwarder/internal/domain"
)

const (
	VATPercent = 17
	// DeliveryBlock is both the quantity step and the price per step of delivery
	DeliveryBlock = 50
)

// computeTotals sums the pre-priced cart lines. Unit pricing is not re-derived here.
func computeTotals(cart []any, items []domain.LineItem, withDelivery bool) domain.Totals {
	subtotal := decimal.Zero
	for _, raw := range cart {
		entry := asObject(raw)
		if entry == nil {
			continue
		}
		if price, ok := asDecimal(firstValue(entry, "totalPrice", "total_price", "lineTotal")); ok {
			subtotal = subtotal.Add(price)
		}
	}

	totalQty := 0
	for _, item := range items {
		for _, sq := range item.SizeBreakdown {
			totalQty += sq.Qty
		}
	}

	return Totals(subtotal, totalQty, withDelivery)
}

// Totals applies the delivery and VAT rules:
// delivery = ceil(qty/50)*50 when requested, grand = round((subtotal+delivery)*1.17).
func Totals(subtotal decimal.Decimal, totalQty int, withDelivery bool) domain.Totals {
	delivery := decimal.Zero
	if withDelivery && totalQty > 0 {
		blocks := (totalQty + DeliveryBlock - 1) / DeliveryBlock
		delivery = decimal.NewFromInt(int64(blocks * DeliveryBlock))
	}

	net := subtotal.Add(delivery)
	factor := decimal.NewFromInt(100 + VATPercent).Div(decimal.NewFromInt(100))
	grand := net.Mul(factor).Round(0)

	return domain.Totals{
		Subtotal:   subtotal.InexactFloat64(),
		Delivery:   delivery.InexactFloat64(),
		VATPercent: VATPercent,
		VATAmount:  grand.Sub(net).InexactFloat64(),
		GrandTotal: grand.InexactFloat64(),
	}
}
