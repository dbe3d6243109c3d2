package command

// Error marks a failed command
func Error(message string) string {
	return "🚫 " + message
}

// Ok marks a successful command
func Ok(message string) string {
	return "✔️ " + message
}

// Recommend marks a hint on what to do next
func Recommend(message string) string {
	return "➡️ " + message
}
