// Package blobstorage implements a content-addressed message-body store:
// message bytes are addressed by their SHA-256 digest so the same
// attachment or body, delivered twice, is written once. Two drivers are
// provided: a local-disk driver (the default) and an S3 driver on
// aws-sdk-go-v2. Selection is by Config, never by build tag.
package blobstorage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Config selects and parametrizes a BlobStore driver, loaded as part of
// internal/conf's YAML document.
type Config struct {
	Driver string `yaml:"driver"` // "local" (default) or "s3"
	Local  LocalConfig `yaml:"local"`
	S3     S3Config    `yaml:"s3"`
}

// LocalConfig configures the on-disk driver.
type LocalConfig struct {
	Dir string `yaml:"dir"`
}

// S3Config configures the S3 driver. Credentials are resolved through the
// normal AWS SDK chain (env vars, shared config, instance profile); this
// struct only carries what the core must supply explicitly.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// Digest is the content address of a blob: lowercase hex SHA-256.
type Digest string

// Sum computes the content address for raw.
func Sum(raw []byte) Digest {
	h := sha256.Sum256(raw)
	return Digest(hex.EncodeToString(h[:]))
}

// BlobStore is the interface the core talks to; it never touches the AWS
// SDK or the filesystem directly. Put is idempotent: storing the same
// bytes twice returns the same Digest and does not duplicate storage.
type BlobStore interface {
	Put(ctx context.Context, raw []byte) (Digest, error)
	Get(ctx context.Context, digest Digest) ([]byte, error)
	Delete(ctx context.Context, digest Digest) error
}

// Open builds the BlobStore named by cfg.Driver.
func Open(cfg Config) (BlobStore, error) {
	switch cfg.Driver {
	case "s3":
		return newS3BlobStorage(cfg.S3)
	default:
		dir := cfg.Local.Dir
		if dir == "" {
			dir = "./data/blobs"
		}
		return newLocalBlobStorage(dir)
	}
}
