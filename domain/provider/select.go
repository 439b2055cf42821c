package provider

// Selection is the outcome of choosing a provider (value type).
type Selection struct {
	Requested  ID
	Chosen     ID
	Downgraded bool
}

// Select picks the provider that serves a request.
// This is a PURE function.
//
// A paid-only provider requested by a user without premium or purchased
// entitlement is replaced by the catalog's default free provider. Every
// other request keeps the provider it asked for. Rate limiting is not
// considered here: a limited provider is never swapped for another one.
func Select(c Catalog, requested ID, entitled bool) Selection {
	sel := Selection{Requested: requested, Chosen: requested}
	if c.Get(requested).PaidOnly && !entitled {
		sel.Chosen = c.Default
		sel.Downgraded = sel.Chosen != requested
	}
	return sel
}
