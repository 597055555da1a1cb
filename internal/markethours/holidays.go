package markethours

import "time"

// NSE trading holidays. Tentative dates follow the exchange's provisional
// list and may move.
var nseHolidays = holidaySet(
	// 2026
	day(2026, time.January, 26),  // Republic Day
	day(2026, time.February, 17), // Mahashivratri (tentative)
	day(2026, time.March, 14),    // Holi
	day(2026, time.March, 31),    // Id-ul-Fitr (tentative)
	day(2026, time.April, 2),     // Ram Navami (tentative)
	day(2026, time.April, 6),     // Mahavir Jayanti
	day(2026, time.April, 10),    // Good Friday
	day(2026, time.April, 14),    // Dr. Ambedkar Jayanti
	day(2026, time.May, 1),       // Maharashtra Day
	day(2026, time.June, 7),      // Bakrid (tentative)
	day(2026, time.July, 6),      // Muharram (tentative)
	day(2026, time.August, 15),   // Independence Day
	day(2026, time.August, 16),   // Janmashtami (tentative)
	day(2026, time.September, 5), // Milad-un-Nabi (tentative)
	day(2026, time.October, 2),   // Gandhi Jayanti
	day(2026, time.October, 20),  // Dussehra
	day(2026, time.October, 21),  // Dussehra (tentative)
	day(2026, time.November, 5),  // Diwali (tentative)
	day(2026, time.November, 6),  // Diwali Balipratipada (tentative)
	day(2026, time.November, 7),  // Bhai Dooj (tentative)
	day(2026, time.November, 19), // Guru Nanak Jayanti
	day(2026, time.December, 25), // Christmas
)

func day(y int, m time.Month, d int) string {
	return time.Date(y, m, d, 0, 0, 0, 0, IST).Format(time.DateOnly)
}

func holidaySet(days ...string) map[string]bool {
	set := make(map[string]bool, len(days))
	for _, d := range days {
		set[d] = true
	}
	return set
}
