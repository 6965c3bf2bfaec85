// Package ingest turns uploaded video and thumbnail files into stored media
// and a video metadata record.
//
// Two strategies share one Pipeline over a mediastore.Backend:
//
//   - Ingest accepts files the HTTP layer already spooled to temp files. It
//     validates fields, enforces types and size ceilings, resolves the owner,
//     provisions the owner's namespace, resizes the thumbnail, probes the
//     video duration, stores both files and creates a ready record.
//
//   - Prepare and Confirm hand the client presigned PUT URLs for an
//     object-store backend. Prepare creates a pending record; Confirm checks
//     the uploaded objects, rewrites the thumbnail and finalises the record.
//
// Every durable write during Ingest registers a compensating delete. When a
// later step fails the compensations run newest first, so a failed upload
// leaves no objects behind. Pending records that are never confirmed are
// expired by the gc package.
package ingest
