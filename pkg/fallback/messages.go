package fallback

// Messages is the user-facing copy for one vertical across the cascade
// outcomes.
type Messages struct {
	// Live accompanies a ranked-service answer.
	Live string
	// Backup accompanies a backup-store answer; it claims availability,
	// not personalization.
	Backup string
	// Static accompanies placeholder data and invites a retry.
	Static string
	// Exhausted is shown when every tier failed.
	Exhausted string
}

// MessageTable maps agentType to its message set. The table is plain data
// passed into a resolver at construction; there is no shared mutable
// registry, so tenants can run independent tables concurrently.
type MessageTable struct {
	// Verticals holds per-agentType messages.
	Verticals map[string]Messages
	// Default is used for unknown agent types.
	Default Messages
}

// Lookup returns the messages for a vertical, falling back to Default.
func (t MessageTable) Lookup(vertical string) Messages {
	if m, ok := t.Verticals[vertical]; ok {
		return m
	}
	return t.Default
}

// DefaultMessageTable returns the stock per-vertical copy.
func DefaultMessageTable() MessageTable {
	return MessageTable{
		Verticals: map[string]Messages{
			"ride": {
				Live:      "Top-ranked drivers near you.",
				Backup:    "Available drivers in your area.",
				Static:    "Showing example drivers while we reconnect. Check back in a moment.",
				Exhausted: "We couldn't reach any drivers right now. Please try again shortly.",
			},
			"pharmacy": {
				Live:      "Best-matched pharmacies for your request.",
				Backup:    "Pharmacies currently available.",
				Static:    "Showing sample pharmacies while we reconnect. Check back in a moment.",
				Exhausted: "We couldn't reach pharmacies right now. Please try again shortly.",
			},
			"hardware": {
				Live:      "Top-ranked suppliers for your parts list.",
				Backup:    "Suppliers currently available.",
				Static:    "Showing sample suppliers while we reconnect. Check back in a moment.",
				Exhausted: "We couldn't reach suppliers right now. Please try again shortly.",
			},
			"property": {
				Live:      "Best-matched listings for you.",
				Backup:    "Listings currently available.",
				Static:    "Showing sample listings while we reconnect. Check back in a moment.",
				Exhausted: "We couldn't load listings right now. Please try again shortly.",
			},
			"marketplace": {
				Live:      "Top-ranked sellers for your request.",
				Backup:    "Sellers currently available.",
				Static:    "Showing sample sellers while we reconnect. Check back in a moment.",
				Exhausted: "We couldn't reach sellers right now. Please try again shortly.",
			},
		},
		Default: Messages{
			Live:      "Top-ranked results.",
			Backup:    "Available options.",
			Static:    "Showing example data while we reconnect. Check back in a moment.",
			Exhausted: "Something went wrong loading results. Please try again shortly.",
		},
	}
}
