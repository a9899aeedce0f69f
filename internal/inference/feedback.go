package inference

// Feedback returns the coaching message for a similarity score.
func Feedback(score float64) string {
	switch {
	case score >= 90:
		return "Excellent work! Your calligraphy closely matches the reference. The stroke consistency and overall form are very well executed."
	case score >= 75:
		return "Great job! Your calligraphy shows good understanding of the character form. Focus on refining the stroke endings and maintaining consistent pressure throughout."
	case score >= 60:
		return "Good effort! You've captured the basic structure well. Work on the stroke angles and spacing to improve similarity with the reference."
	default:
		return "Keep practicing! Focus on the fundamental stroke order and basic shape. Study the reference image carefully and practice the individual strokes before attempting the full character."
	}
}
