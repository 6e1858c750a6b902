package ota

import "bytes"

// ComputeDelta compares a new image against the fleet baseline chunk by
// chunk and returns the absolute indices of chunks that differ. The
// comparison runs over the new image's chunk count; where the baseline
// is shorter, its missing bytes compare as 0xFF (erased flash).
func ComputeDelta(newImage, baseline []byte, chunkSize int) []int {
	if chunkSize <= 0 {
		return nil
	}

	totalChunks := (len(newImage) + chunkSize - 1) / chunkSize
	var changed []int

	for i := 0; i < totalChunks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(newImage) {
			end = len(newImage)
		}
		newChunk := newImage[start:end]

		oldChunk := make([]byte, len(newChunk))
		for j := range oldChunk {
			oldChunk[j] = 0xFF
		}
		if start < len(baseline) {
			oldEnd := end
			if oldEnd > len(baseline) {
				oldEnd = len(baseline)
			}
			copy(oldChunk, baseline[start:oldEnd])
		}

		if !bytes.Equal(newChunk, oldChunk) {
			changed = append(changed, i)
		}
	}
	return changed
}

// chunkAt slices chunk i out of an image. The final chunk may be short.
func chunkAt(image []byte, chunkSize, i int) []byte {
	start := i * chunkSize
	if start >= len(image) {
		return nil
	}
	end := start + chunkSize
	if end > len(image) {
		end = len(image)
	}
	return image[start:end]
}
