package explain

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var weekdays = [7]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

type describer func(v *domain.FeatureVector) string

var describers = map[domain.Feature]describer{
	domain.FeatAmountLog: func(v *domain.FeatureVector) string {
		return fmt.Sprintf("Transaction amount: $%.2f", v.Get(domain.FeatAmount))
	},

	domain.FeatHourSin: timeOfDay,
	domain.FeatHourCos: timeOfDay,

	domain.FeatDayOfWeek: func(v *domain.FeatureVector) string {
		d := int(v.Get(domain.FeatDayOfWeek))
		if d < 0 || d >= len(weekdays) {
			return fmt.Sprintf("Day of week: %d", d)
		}
		return "Day of week: " + weekdays[d]
	},
	domain.FeatIsWeekend: flag(domain.FeatIsWeekend, "Weekend transaction", "Weekday transaction"),

	domain.FeatVelocity1mCount:   activity(domain.FeatVelocity1mCount, 1),
	domain.FeatVelocity5mCount:   activity(domain.FeatVelocity5mCount, 5),
	domain.FeatVelocity30mCount:  activity(domain.FeatVelocity30mCount, 30),
	domain.FeatVelocity1mAmount:  spend(domain.FeatVelocity1mAmount, 1),
	domain.FeatVelocity5mAmount:  spend(domain.FeatVelocity5mAmount, 5),
	domain.FeatVelocity30mAmount: spend(domain.FeatVelocity30mAmount, 30),

	domain.FeatDistanceFromHome: func(v *domain.FeatureVector) string {
		return fmt.Sprintf("Distance from home: %.1f km", v.Get(domain.FeatDistanceFromHome))
	},
	domain.FeatCountryChange: flag(domain.FeatCountryChange, "International transaction", "Domestic transaction"),
	domain.FeatNewDevice:     flag(domain.FeatNewDevice, "New device detected", "Known device"),

	domain.FeatMerchantRiskScore: func(v *domain.FeatureVector) string {
		return fmt.Sprintf("Merchant risk score: %.2f", v.Get(domain.FeatMerchantRiskScore))
	},
	domain.FeatDeviceRiskScore: func(v *domain.FeatureVector) string {
		return fmt.Sprintf("Device risk score: %.2f", v.Get(domain.FeatDeviceRiskScore))
	},
}

// Describe renders the human-readable description of one feature.
func Describe(f domain.Feature, v *domain.FeatureVector) string {
	if d, ok := describers[f]; ok {
		return d(v)
	}
	return fmt.Sprintf("%s: %g", f, v.Get(f))
}

func timeOfDay(v *domain.FeatureVector) string {
	return fmt.Sprintf("Time of day: %02d:00", int(v.Get(domain.FeatHour)))
}

func flag(f domain.Feature, on, off string) describer {
	return func(v *domain.FeatureVector) string {
		if v.Bool(f) {
			return on
		}
		return off
	}
}

func activity(f domain.Feature, minutes int) describer {
	return func(v *domain.FeatureVector) string {
		return fmt.Sprintf("Recent activity: %d transactions in %d min", int(v.Get(f)), minutes)
	}
}

func spend(f domain.Feature, minutes int) describer {
	return func(v *domain.FeatureVector) string {
		return fmt.Sprintf("Recent spend: $%.2f in %d min", v.Get(f), minutes)
	}
}
