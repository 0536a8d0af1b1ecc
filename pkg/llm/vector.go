package llm

// NormalizeDimension 将向量调整为目标维度：过长截断，过短补零。
// dim <= 0 时原样返回。
func NormalizeDimension(vec []float32, dim int) []float32 {
	if dim <= 0 || len(vec) == dim {
		return vec
	}
	if len(vec) > dim {
		return vec[:dim]
	}
	padded := make([]float32, dim)
	copy(padded, vec)
	return padded
}
