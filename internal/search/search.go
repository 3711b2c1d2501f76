package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	SheetDate string `json:"sheetDate"`
	Snippet   string `json:"snippet"`
}

// Query describes a search request. Results are always scoped to the
// owning user.
type Query struct {
	OwnerID string
	Text    string
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// SheetRecord is the data we index for a sheet.
type SheetRecord struct {
	ID        string `json:"id"`
	OwnerID   string `json:"ownerId"`
	SheetDate string `json:"sheetDate"`
	Body      string `json:"body"`
}
