package router

// DefaultRules is the built-in routing table, loaded at startup and never
// mutated. Priority is the primary ordering key (lower wins); table order
// only breaks ties.
var DefaultRules = Table{
	{
		Name:           "ops.restart",
		Pattern:        `\b(?:restart|stop|start)\s+(?:the\s+)?(?:agent|backend|frontend|server)\b`,
		Type:           RouteCommand,
		Priority:       10,
		CommandID:      "ops.restart_agent",
		RequireConfirm: true,
		Urgency:        UrgencyHigh,
		AuthorityLevel: 3,
	},
	{
		Name:      "ops.status",
		Pattern:   `\b(status|health|check services)\b`,
		Type:      RouteCommand,
		Priority:  15,
		CommandID: "ops.status",
	},
	{
		Name:       "voice.set_voice",
		Pattern:    `\b(?:set|switch)\s+voice\s+to\s+([\w-]+)\b`,
		Type:       RouteCommand,
		Priority:   20,
		CommandID:  "voice.set_voice",
		TopicGroup: 1,
	},
	{
		Name:           "state.enter_conversation",
		Pattern:        `\b(?:enter|switch to|start)\s+(?:conversation|chat)\s+mode\b`,
		Type:           RouteCommand,
		Priority:       5,
		CommandID:      "state.enter_conversation",
		AuthorityLevel: 3,
		RequireConfirm: true,
	},
	{
		Name:           "state.enter_planning",
		Pattern:        `\b(?:enter|switch to|start)\s+(?:planning|strategy)\s+mode\b`,
		Type:           RouteCommand,
		Priority:       4,
		CommandID:      "state.enter_planning",
		AuthorityLevel: 4,
		RequireConfirm: true,
	},
	{
		Name:      "state.exit",
		Pattern:   `\b(?:exit|leave|back to default|unlock)\b`,
		Type:      RouteCommand,
		Priority:  6,
		CommandID: "state.exit",
	},
	{
		Name:      "state.confirm",
		Pattern:   `\b(?:confirm|yes|apply)\b`,
		Type:      RouteCommand,
		Priority:  7,
		CommandID: "state.confirm",
	},
	{
		Name:      "state.undo",
		Pattern:   `\b(?:undo|reverse|cancel)\b`,
		Type:      RouteCommand,
		Priority:  8,
		CommandID: "state.undo",
	},
	{
		Name:     "research.intent",
		Pattern:  `\b(research|investigate|dig deep|long report|do a study)\b`,
		Type:     RouteResearch,
		Priority: 30,
		FacetID:  "facet.research",
	},
	{
		Name:           "research.launch",
		Pattern:        `\b(start|launch)\s+(?:research|job)\s+(?:on|about)\s+([\w\s-]+)`,
		Type:           RouteCommand,
		Priority:       25,
		CommandID:      "job.create",
		AuthorityLevel: 2,
		TopicGroup:     2,
	},
	{
		Name:       "job.status",
		Pattern:    `\b(?:job status|status of job)\s+([a-f0-9-]+)`,
		Type:       RouteCommand,
		Priority:   26,
		CommandID:  "job.status",
		TopicGroup: 1,
	},
	{
		Name:      "job.list",
		Pattern:   `\blist\s+(?:jobs|research tasks)\b`,
		Type:      RouteCommand,
		Priority:  34,
		CommandID: "job.list",
	},
	{
		Name:     "settings.intent",
		Pattern:  `\b(temperature|turns|model|voice)\b`,
		Type:     RouteFacet,
		Priority: 40,
		FacetID:  "facet.settings",
	},
	{
		Name:     "memory.intent",
		Pattern:  `\b(summarize|recap|remind me|what did we discuss|notes?)\b`,
		Type:     RouteFacet,
		Priority: 50,
		FacetID:  "facet.memory",
	},
	{
		Name:       "memory.show",
		Pattern:    `\b(show|read)\s+(?:memory|note|bucket)\s+(?:for\s+)?([A-Za-z0-9_-]+)`,
		Type:       RouteCommand,
		Priority:   25,
		CommandID:  "memory.show_bucket",
		TopicGroup: 2,
	},
	{
		Name:      "memory.list",
		Pattern:   `\blist\s+(?:memory|buckets)\b`,
		Type:      RouteCommand,
		Priority:  35,
		CommandID: "memory.list_buckets",
	},
	{
		Name:           "memory.append",
		Pattern:        `\b(add|append)\s+note\s+to\s+([A-Za-z0-9_-]+)`,
		Type:           RouteCommand,
		Priority:       28,
		CommandID:      "memory.add_note",
		TopicGroup:     2,
		AuthorityLevel: 2,
	},
	{
		Name:           "memory.clear",
		Pattern:        `\b(clear|forget)\s+(?:bucket|memory)\s+([A-Za-z0-9_-]+)`,
		Type:           RouteCommand,
		Priority:       22,
		CommandID:      "memory.clear_bucket",
		RequireConfirm: true,
		AuthorityLevel: 3,
		TopicGroup:     2,
	},
}

func init() {
	DefaultRules.compile()
}
