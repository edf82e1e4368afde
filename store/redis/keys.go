package redis

// Redis key naming conventions for cascade data.
// All keys are prefixed to avoid collisions with other tenants of the
// same Redis database.

const defaultPrefix = "cascade:"

// logKey returns the Stream key holding a subject's event log:
// {prefix}log:{subject}
func (s *Store) logKey(subject string) string { return s.prefix + "log:" + subject }

// entryKey returns the Hash key of one run index entry:
// {prefix}entry:{indexKey}:{runID}
func (s *Store) entryKey(indexKey, runID string) string {
	return s.prefix + "entry:" + indexKey + ":" + runID
}

// indexKey returns the Sorted Set ordering an index's runs by score:
// {prefix}index:{indexKey}
func (s *Store) indexKey(indexKey string) string { return s.prefix + "index:" + indexKey }

// kvKey returns the String key of a key-value entry: {prefix}kv:{key}
func (s *Store) kvKey(key string) string { return s.prefix + "kv:" + key }
