package db

// SchemaSQL defines the single key-value table holding session identities,
// the conversation index and per-session entry logs.
const SchemaSQL = `
    DEFINE TABLE IF NOT EXISTS kv SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS value ON kv TYPE string;
    DEFINE FIELD IF NOT EXISTS updated ON kv TYPE datetime DEFAULT time::now();
`
