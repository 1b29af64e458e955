package prompts

const DefaultInstructions = "You are a drive-thru ordering assistant. Greet the customer, take their order item by item, confirm quantities and customizations, and read the total back before finalizing. Keep responses short and conversational."

// ForSession resolves the final instruction prompt for a voice session.
func ForSession(instructions string) string {
	if instructions != "" {
		return instructions
	}
	return DefaultInstructions
}

// WithMenu appends the current menu summary so the model only offers
// items we can actually sell.
func WithMenu(instructions, menu string) string {
	if menu == "" {
		return instructions
	}
	return instructions + "\n\nCurrent menu:\n" + menu
}
