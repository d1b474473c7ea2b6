// Package domain models crowd-count observations produced by the camera
// pipeline and the rules applied to them.
//
// # Feed Format
//
// The vision worker appends one row per processed frame to a counts file:
//
//	image_ref,timestamp,count[,extra...]
//
// for example
//
//	capture_2025-01-01T12-30-00.jpg,2025-01-01 12:30:00,42,2025-01-01 12:30:01
//
// Rows arrive in chronological order, so the last row is the most recent
// frame. There is no guaranteed header; a header row simply fails the count
// check and is dropped. A live-tailed file regularly ends in a partial row,
// which is dropped the same way.
//
// Timestamp resolution, in order:
//
//  1. the timestamp column, with a space divider rewritten to "T";
//     values without an offset are read in the configured local zone;
//  2. an instant embedded in the image name, "capture_<ISO8601>.jpg",
//     including the filename-safe "HH-MM-SS" time form;
//  3. the ingestion instant.
//
// # Thresholds
//
// A location with an [AlertThresholdConfig] is classified as critical at
// max_capacity × critical_threshold and warning at max_capacity ×
// warning_threshold. Alerts fire only when a count strictly exceeds the
// critical limit, or [FallbackThreshold] for locations without a config.
//
// Density buckets used in reports are fixed: above 400 is critical, above 200
// is high, everything else is normal.
package domain
