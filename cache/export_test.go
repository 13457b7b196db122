package cache

// SetIfNewerHash exposes the script digest so tests can expect EVALSHA.
var SetIfNewerHash = setIfNewer.Hash()
