package backend

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jiggy606/amazon-clone/internal/domain/market"
)

type assetRow struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Price    string            `json:"price"`
	Metadata map[string]string `json:"metadata"`
}

// ListAssets fetches the full storefront catalog, ordered by name.
func (c *Client) ListAssets(ctx context.Context) ([]market.Asset, error) {
	var rows []assetRow
	if err := c.From("assets").
		Select("id,name,price,metadata").
		Order("name", true).
		Execute(ctx, &rows); err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}

	assets := make([]market.Asset, 0, len(rows))
	for _, row := range rows {
		price, ok := new(big.Int).SetString(row.Price, 10)
		if !ok {
			return nil, fmt.Errorf("asset %s: bad price %q", row.ID, row.Price)
		}
		assets = append(assets, market.Asset{
			ID:       row.ID,
			Name:     row.Name,
			Price:    price,
			Metadata: row.Metadata,
		})
	}
	return assets, nil
}
