package anthropic

// BuildCachedSystemBlocks constructs system content blocks with an ephemeral
// cache breakpoint. Extraction rules and field schemas repeat across the
// per-field calls of one request, so they are sent as a cached prefix.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if ttl == "" {
		ttl = "5m"
	}
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: ttl,
			},
		},
	}
}
