package sdr

// convertIQ maps interleaved unsigned 8-bit I/Q pairs onto [-1, 1]
func convertIQ(raw []byte) []complex64 {
	samples := make([]complex64, len(raw)/2)
	for i := range samples {
		re := (float32(raw[2*i]) - 127.5) / 127.5
		im := (float32(raw[2*i+1]) - 127.5) / 127.5
		samples[i] = complex(re, im)
	}
	return samples
}
