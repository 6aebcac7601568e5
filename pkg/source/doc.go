// Package source reads the files an ingestion imports.
//
// Source URIs name files on S3-compatible object stores (s3://bucket/key),
// SFTP servers (sftp://user@host/path) or the local filesystem (file:///path
// or a plain path). Paths may contain glob patterns. A trailing slash selects
// every file directly inside a directory.
//
// Files are decoded into a Dataset of typed columns. Parquet files keep their
// physical types; JSON and JSONL records are flattened, with nested keys joined
// by underscores, and column types are inferred from the values.
//
// The Stager converts raw JSON drops into Parquet under a staging prefix and
// skips files whose BLAKE3 content hash is unchanged since the last pass.
package source
