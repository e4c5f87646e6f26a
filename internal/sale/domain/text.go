package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatPostText builds the post body for a sale from its typed fields and
// the enrichment attributes. The same function serves the workflow's final
// step and crash reconciliation, so a reconstructed text matches the
// originally posted one byte for byte.
func FormatPostText(sale *Sale, attrs map[string]string) string {
	name := attrs["name"]
	if name == "" {
		collection := sale.Collection
		if collection == "" {
			collection = "Token"
		}
		name = fmt.Sprintf("%s #%s", collection, sale.TokenID)
	}

	text := fmt.Sprintf("%s %s for %s %s", name, sideVerb(sale.Side), FormatPrice(sale.Price), sale.Symbol)

	if traits := attrs["traits"]; traits != "" {
		text += "\n" + traits
	}

	return text
}

// FormatPrice renders a price without trailing zeros ("0.5", not "0.50").
func FormatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', -1, 64)
}

// MatchesPost is the fuzzy reconciliation check: a published text is taken
// to describe this sale when it mentions the token, the price, the currency
// and the side verb together. Used only when an exact text match fails.
func MatchesPost(sale *Sale, text string) bool {
	return strings.Contains(text, "#"+sale.TokenID) &&
		strings.Contains(text, FormatPrice(sale.Price)) &&
		strings.Contains(text, sale.Symbol) &&
		strings.Contains(text, sideVerb(sale.Side))
}

func sideVerb(side string) string {
	if side == "bid" {
		return "sold via accepted bid"
	}
	return "sold"
}
