package storeutil

// ProtoAliasKey is the reserved key under which a literal "__proto__"
// storage/permission key is persisted, so that decoding the JSON file
// (in this host or in any other JSON consumer sharing the file) never
// produces a literal "__proto__" object key that could mutate a
// prototype chain.
const ProtoAliasKey = "__proto_alias__"

// EncodeKey rewrites the reserved literal key to its on-disk alias.
// All other keys pass through unchanged.
func EncodeKey(key string) string {
	if key == "__proto__" {
		return ProtoAliasKey
	}
	return key
}

// DecodeKey reverses EncodeKey when reading a record back out.
func DecodeKey(key string) string {
	if key == ProtoAliasKey {
		return "__proto__"
	}
	return key
}
