package catalog

import "time"

// SeedDemo loads the demo directory used when no database is configured:
// two teachers, one student and a handful of published listings.
func SeedDemo(m *MemoryStore) {
	now := time.Now().UTC()
	reserve := func(v float64) *float64 { return &v }

	for _, u := range []*User{
		{ID: "teacher_1", Name: "Aisha Patel", Email: "teacher1@murph.dev", Role: RoleTeacher, CreatedAt: now},
		{ID: "teacher_2", Name: "Marco Silva", Email: "teacher2@murph.dev", Role: RoleTeacher, CreatedAt: now},
		{ID: "student_1", Name: "Jamie Chen", Email: "student@murph.dev", Role: RoleStudent, CreatedAt: now},
	} {
		m.PutUser(u)
	}

	for _, l := range []*Listing{
		{ID: "listing_1", TeacherID: "teacher_1", Title: "10-min Morning Meditation Reset", PricePerMin: 1.5, TotalDurationMin: 10, ReserveAmount: reserve(30)},
		{ID: "listing_2", TeacherID: "teacher_1", Title: "Yoga Flow: Lower Back Relief", PricePerMin: 1.8, TotalDurationMin: 18, ReserveAmount: reserve(30)},
		{ID: "listing_3", TeacherID: "teacher_2", Title: "Fingerstyle Guitar: First Arpeggios", PricePerMin: 2.0, TotalDurationMin: 25, ReserveAmount: reserve(45)},
		{ID: "listing_4", TeacherID: "teacher_2", Title: "Rhythm Guitar: Strumming Patterns", PricePerMin: 1.2, TotalDurationMin: 15},
		{ID: "listing_5", TeacherID: "teacher_2", Title: "Open Tunings Masterclass (draft)", PricePerMin: 3.0, TotalDurationMin: 40, Status: "draft"},
	} {
		if l.Status == "" {
			l.Status = ListingPublished
		}
		l.CreatedAt = now
		m.PutListing(l)
	}
}
