package queue

const (
	TypeExtractionRun       = "extraction:run"
	TypeExtractionRetryTile = "extraction:retry_tile"
)

type ExtractionRunPayload struct {
	ExtractionID string `json:"extraction_id"`
}

type ExtractionRetryTilePayload struct {
	ExtractionID string `json:"extraction_id"`
	TileIndex    int    `json:"tile_index"`
}
