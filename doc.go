// Package attachd exposes the Go APIs behind the attachment service: files
// are stored once under their git blob hash, decoded into rasters, and
// delivered either verbatim or as bounded image variants that are rendered on
// first request and cached in their own bucket.
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto`
// (default `tcp`) and address `Config.Listen` (default `:9342`). Storage is
// selected with a URL in `Config.Store`:
//
//	mem://                                 in-memory, lost on exit
//	disk:///var/lib/attachd                local filesystem
//	s3://minio:9000/bucket/prefix          S3-compatible (MinIO and friends)
//	aws://bucket/prefix?region=eu-north-1  AWS S3 via the AWS SDK
//	azure://account/container/prefix       Azure Blob Storage
//
// Originals, variants and records live in three namespaces of that store,
// named by `OriginalsBucket`, `DerivedBucket` and `RecordsBucket`.
//
//	cfg := attachd.Config{
//	    Store:        "disk:///var/lib/attachd",
//	    ImageQuality: 85,
//	    SingleFlight: true,
//	}
//	srv, stop, err := attachd.StartServer(ctx, cfg, attachd.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//	log.Printf("listening on %s", srv.ListenerAddr())
//
// # Rendering
//
// Every variant runs the same pipeline: flatten onto white, apply the EXIF
// orientation, downscale with Lanczos to fit the requested bounds (never
// upscale), drop metadata but keep the ICC profile, and encode. JPEG and GIF
// sources keep their format, everything else (including PDF and PostScript
// rasterized by Ghostscript) becomes PNG. Undecodable originals produce an
// identicon derived from the hash, or a single white pixel when
// `FallbackSize` is zero.
//
// # HTTP API
//
//	POST   /v1/attachments                       upload (raw body or multipart "file")
//	GET    /v1/attachments/{id}                  record
//	DELETE /v1/attachments/{id}                  mark removed
//	GET    /v1/attachments/{id}/content          original bytes
//	GET    /v1/attachments/{id}/image[/{w}[/{h}]] variant
//
// Delivery responses are immutable: the ETag is the content hash for
// originals and `{w}/{h}/{hash}` or `full/{hash}` for variants, with a one
// year Cache-Control and Expires. A matching If-None-Match yields 304, and
// variants answer any If-Modified-Since with 304.
//
// The client package wraps this API for Go callers.
package attachd
