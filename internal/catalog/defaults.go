package catalog

import "threadline/internal/domain"

// DefaultPhases is the built-in schedule for organizing a community event.
func DefaultPhases() []domain.Phase {
	return []domain.Phase{
		{ID: "venue_scouting", Name: "Venue Scouting", Hours: 24,
			Description:  "Visit candidate venues and collect constraints.",
			KeyTasks:     []string{"shortlist venues", "check capacity and access", "compare quotes"},
			Deliverables: []string{"venue shortlist"}},
		{ID: "program_design", Name: "Program Design", Hours: 48,
			Description:  "Decide the agenda, speakers and activities.",
			KeyTasks:     []string{"draft agenda", "invite speakers", "plan activities"},
			Deliverables: []string{"agenda draft", "speaker list"},
			Dependencies: []domain.PhaseID{"venue_scouting"}},
		{ID: "volunteer_staffing", Name: "Volunteer Staffing", Hours: 24,
			Description:  "Recruit volunteers and assign shifts.",
			KeyTasks:     []string{"open sign-ups", "assign shifts", "brief team leads"},
			Deliverables: []string{"shift roster"},
			Dependencies: []domain.PhaseID{"program_design"}},
		{ID: "logistics", Name: "Logistics & Supplies", Hours: 36,
			Description:  "Order equipment, food and signage.",
			KeyTasks:     []string{"order supplies", "book transport", "confirm catering"},
			Deliverables: []string{"supply checklist", "delivery schedule"},
			Dependencies: []domain.PhaseID{"venue_scouting"}},
		{ID: "final_rehearsal", Name: "Final Rehearsal", Hours: 6,
			Description:  "Walk through the day with leads and speakers.",
			KeyTasks:     []string{"run of show", "tech check", "emergency plan review"},
			Deliverables: []string{"run sheet"},
			Dependencies: []domain.PhaseID{"volunteer_staffing", "logistics"}},
		{ID: "doors_open", Name: "Doors Open", Hours: 1,
			Description:  "Registration desk opens and guests arrive.",
			KeyTasks:     []string{"check-in", "badge printing", "crowd flow"},
			Deliverables: []string{"attendance count"},
			Dependencies: []domain.PhaseID{"final_rehearsal"}},
		{ID: "main_event", Name: "Main Event", Hours: 8,
			Description:  "Sessions, activities and catering run as planned.",
			KeyTasks:     []string{"keep sessions on time", "handle guest questions", "coordinate volunteers"},
			Deliverables: []string{"session notes", "photos"},
			Dependencies: []domain.PhaseID{"doors_open"}},
		{ID: "teardown", Name: "Teardown", Hours: 3,
			Description:  "Pack up, clean the venue and return rentals.",
			KeyTasks:     []string{"strike stage", "sort waste", "return equipment"},
			Deliverables: []string{"venue handover"},
			Dependencies: []domain.PhaseID{"main_event"}},
		{ID: "feedback_triage", Name: "Feedback Triage", Hours: 12,
			Description:  "Collect and sort feedback from guests and volunteers.",
			KeyTasks:     []string{"send survey", "tag responses", "flag urgent issues"},
			Deliverables: []string{"feedback summary"},
			Dependencies: []domain.PhaseID{"main_event"}},
		{ID: "press_follow_up", Name: "Press Follow-up", Hours: 8,
			Description:  "Share results with local press and partners.",
			KeyTasks:     []string{"write recap", "send photos", "answer press questions"},
			Deliverables: []string{"public recap"},
			Dependencies: []domain.PhaseID{"main_event"}},
		{ID: "sponsor_settlement", Name: "Sponsor Settlement", Hours: 10,
			Description:  "Close accounts with sponsors and vendors.",
			KeyTasks:     []string{"reconcile invoices", "send sponsor reports", "pay vendors"},
			Deliverables: []string{"final budget"},
			Dependencies: []domain.PhaseID{"teardown"}},
		{ID: "retrospective", Name: "Retrospective", Hours: 4,
			Description:  "Agree on what to keep and what to change next time.",
			KeyTasks:     []string{"review feedback", "list lessons", "assign follow-ups"},
			Deliverables: []string{"retrospective notes"},
			Dependencies: []domain.PhaseID{"feedback_triage", "sponsor_settlement"}},
	}
}

// DefaultSubEvents are the built-in disruptions, each tied to a default phase.
func DefaultSubEvents() []domain.SubEvent {
	ev := func(name, desc string, urgency, impact domain.Level, p domain.PhaseID, triggers ...string) domain.SubEvent {
		return domain.SubEvent{Name: name, Description: desc, Urgency: urgency, Impact: impact, Phase: p, TriggerConditions: triggers}
	}
	low, med, high := domain.LevelLow, domain.LevelMedium, domain.LevelHigh
	return []domain.SubEvent{
		ev("Venue Double-Booked", "The preferred venue has a conflicting booking on the date.", high, high, "venue_scouting", "calendar mix-up"),
		ev("Accessibility Gap", "The shortlisted hall has no step-free entrance.", med, med, "venue_scouting", "site visit"),
		ev("Keynote Cancels", "The keynote speaker withdraws for personal reasons.", high, med, "program_design", "speaker email"),
		ev("Agenda Overrun", "Session lengths add up to more than the day allows.", low, low, "program_design", "draft review"),
		ev("Volunteer Shortfall", "Half of the sign-ups drop out in the same week.", high, med, "volunteer_staffing", "exam season", "bad weather forecast"),
		ev("Catering Price Hike", "The caterer raises the per-head price.", med, med, "logistics", "new quote"),
		ev("Delivery Delayed", "The tent rental truck will arrive a day late.", high, high, "logistics", "supplier call"),
		ev("Sound System Fault", "The main speaker stack produces feedback at rehearsal.", high, med, "final_rehearsal", "tech check"),
		ev("Registration Queue", "The check-in line wraps around the block.", med, low, "doors_open", "printer jam", "early crowd"),
		ev("Sudden Rain", "A heavy shower hits the outdoor area.", high, high, "main_event", "weather change"),
		ev("Power Cut", "Electricity to the stage area drops out.", high, high, "main_event", "overloaded circuit"),
		ev("Lost Child", "A child is separated from their parents near the food court.", high, med, "main_event", "crowded area"),
		ev("Missing Rental Items", "Two folding tables are unaccounted for at return.", low, low, "teardown", "inventory count"),
		ev("Sponsor Invoice Dispute", "A sponsor questions the logo placement they paid for.", med, med, "sponsor_settlement", "report review"),
	}
}

// DefaultAgents is the built-in organizing team.
func DefaultAgents() []domain.Agent {
	return []domain.Agent{
		{Name: "Mara Lindqvist", Role: "Event Lead", Group: "Coordination", Seniority: "lead",
			Expertise: []string{"planning", "budgets"}, Personality: "calm, decisive",
			SpeakingStyle: "short and direct", Responsibilities: []string{"final decisions", "sponsor contact"},
			DecisionPower: domain.LevelHigh},
		{Name: "Jonas Okafor", Role: "Volunteer Coordinator", Group: "People", Seniority: "core",
			Expertise: []string{"scheduling", "onboarding"}, Personality: "warm, talkative",
			SpeakingStyle: "friendly with lots of questions", Responsibilities: []string{"shift roster", "volunteer briefings"},
			DecisionPower: domain.LevelMedium},
		{Name: "Priya Raman", Role: "Logistics Manager", Group: "Operations", Seniority: "core",
			Expertise: []string{"vendors", "transport"}, Personality: "meticulous",
			SpeakingStyle: "lists and numbers", Responsibilities: []string{"supplies", "deliveries"},
			DecisionPower: domain.LevelMedium},
		{Name: "Theo Brandt", Role: "Sound Technician", Group: "Operations", Seniority: "member",
			Expertise: []string{"audio", "power"}, Personality: "laid-back, practical",
			SpeakingStyle: "casual, a bit of jargon", Responsibilities: []string{"stage tech"},
			DecisionPower: domain.LevelLow},
		{Name: "Aiko Sato", Role: "Communications", Group: "Outreach", Seniority: "core",
			Expertise: []string{"social media", "press"}, Personality: "upbeat",
			SpeakingStyle: "enthusiastic, uses emoji", Responsibilities: []string{"announcements", "press recap"},
			DecisionPower: domain.LevelMedium},
		{Name: "Sam Delgado", Role: "Treasurer", Group: "Coordination", Seniority: "member",
			Expertise: []string{"accounting"}, Personality: "cautious",
			SpeakingStyle: "polite, asks for receipts", Responsibilities: []string{"invoices", "reimbursements"},
			DecisionPower: domain.LevelLow},
	}
}
