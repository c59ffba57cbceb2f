package crops

// ShopItem is one purchasable catalog entry.
type ShopItem struct {
	ItemKey string `json:"item_key"`
	Title   string `json:"title"`
	Price   int    `json:"price"`
}

// ShopCatalog lists purchasable seeds with an x2 price progression.
// Like the duration table, prices are shared out-of-band with the server.
var ShopCatalog = []ShopItem{
	{ItemKey: "seed_wheat", Title: "Wheat seeds", Price: 5},
	{ItemKey: "seed_carrot", Title: "Carrot seeds", Price: 10},
	{ItemKey: "seed_watermelon", Title: "Watermelon seeds", Price: 20},
	{ItemKey: "seed_pumpkin", Title: "Pumpkin seeds", Price: 40},
	{ItemKey: "seed_onion", Title: "Onion seeds", Price: 80},
}

// SellPrices lists the sellable harvest items. Items absent from this
// table cannot be sold.
var SellPrices = map[string]int{
	"crop_wheat":      10,
	"crop_carrot":     20,
	"crop_watermelon": 40,
	"crop_pumpkin":    80,
	"crop_onion":      160,
}

// ShopPrice returns the catalog entry for an item key.
func ShopPrice(itemKey string) (ShopItem, bool) {
	for _, item := range ShopCatalog {
		if item.ItemKey == itemKey {
			return item, true
		}
	}
	return ShopItem{}, false
}
