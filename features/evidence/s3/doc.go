// Package s3 provides the S3-backed evidence object store. Evidence bytes
// are written content-addressed under a per-company prefix, so a pointer's
// storage key both locates the object and proves which tenant wrote it.
package s3
