// Package types defines the core data types used throughout the storage system.
//
// Key types:
//   - Record: one timestamped multi-channel sample
//   - Channels: the ordered channel list that fixes record shape
package types
