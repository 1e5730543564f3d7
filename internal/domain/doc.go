// Package domain models offline map tiles, cached regions, and disaster
// alerts for the D-MIND offline map service.
//
// # Tile Addressing
//
// Tiles follow the standard web-map ("slippy map") pyramid: at zoom level z
// the world is a 2^z × 2^z grid of 256px raster tiles in Web Mercator
// projection. A geographic coordinate maps to a grid cell via:
//
//	x = floor((lon + 180) / 360 * 2^z)
//	y = floor((1 − ln(tan(lat·π/180) + 1/cos(lat·π/180)) / π) / 2 * 2^z)
//
// Tile sources are addressed through URL templates with {z}/{x}/{y}
// placeholders, e.g. "https://tile.openstreetmap.org/{z}/{x}/{y}.png".
// Cache keys are the URL with scheme and host stripped, so the same tile
// fetched from mirror hosts of one provider hits the same cache entry.
//
// # Regions
//
// A Region is a named bounding box downloaded across a zoom range and
// tracked as a unit. Its tile count reflects only tiles that were fetched
// and stored successfully; failures are tallied in the download progress
// and never appear in the stored set. Regions may overlap, in which case
// they share tile entries, so region deletion must only reclaim tiles no
// surviving region references.
//
// Bounding boxes use north/south/east/west edges in degrees. Boxes whose
// west edge is greater than their east edge are interpreted as crossing the
// antimeridian and split into two x-ranges. Latitudes are clamped to the
// Web Mercator limit (±85.0511°).
//
// # Alerts
//
// Disaster alerts arrive as flat JSON on a Kafka topic, published by the
// upstream monitoring pipeline. Severity uses the four-level scale shared
// across the D-MIND services (minor, moderate, severe, extreme). The
// prefetcher warms the tile cache around an alert's epicenter so the mobile
// client has map coverage before users in the affected area go offline.
package domain
