package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill copies Watermill metadata into a Metadata map.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill copies metadata into a fresh Watermill map.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, len(md))
	for k, v := range md {
		wm[k] = v
	}
	return wm
}

// Apply merges md into the metadata of msg, overwriting existing keys.
func Apply(msg *message.Message, md Metadata) {
	for k, v := range md {
		msg.Metadata.Set(k, v)
	}
}
