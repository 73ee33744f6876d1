package tools

import (
	"math"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// AnomalyThresholdKm separates local movement from travel.
const AnomalyThresholdKm = 100

const earthRadiusKm = 6371

// Approximate road distances between Italian cities, in km.
var cityDistances = map[[2]string]float64{}

func init() {
	for _, d := range []struct {
		a, b string
		km   float64
	}{
		{"Roma", "Milano", 570},
		{"Roma", "Napoli", 220},
		{"Roma", "Torino", 670},
		{"Roma", "Palermo", 530},
		{"Roma", "Genova", 500},
		{"Roma", "Bologna", 380},
		{"Roma", "Firenze", 280},
		{"Roma", "Bari", 450},
		{"Roma", "Catania", 530},
		{"Milano", "Napoli", 780},
		{"Milano", "Torino", 140},
		{"Milano", "Genova", 150},
		{"Milano", "Bologna", 210},
		{"Milano", "Firenze", 300},
		{"Napoli", "Bari", 250},
		{"Napoli", "Palermo", 420},
		{"Firenze", "Bologna", 100},
		{"Firenze", "Genova", 270},
		{"Modena", "Genova", 150},
		{"Modena", "Bologna", 40},
		{"Modena", "Milano", 180},
		{"Modena", "Firenze", 100},
		{"Sant'Agata di Militello", "Roma", 700},
		{"Sant'Agata di Militello", "Milano", 1100},
		{"Sant'Agata di Militello", "Napoli", 500},
		{"Sant'Agata di Militello", "Palermo", 150},
		{"Sant'Agata di Militello", "Catania", 100},
		{"Sant'Agata di Militello", "Bari", 400},
		{"Sant'Agata di Militello", "Genova", 1000},
		{"Sant'Agata di Militello", "Bologna", 900},
		{"Sant'Agata di Militello", "Firenze", 850},
		{"Sant'Agata di Militello", "Modena", 900},
	} {
		a, b := strings.ToLower(d.a), strings.ToLower(d.b)
		cityDistances[[2]string{a, b}] = d.km
		cityDistances[[2]string{b, a}] = d.km
	}
}

// CityDistance returns the known distance between two cities. The same city
// is 0; pairs missing from the table are unknown, never zero.
func CityDistance(a, b string) (float64, bool) {
	a = strings.ToLower(domain.CityOf(a))
	b = strings.ToLower(domain.CityOf(b))
	if a == "" || b == "" {
		return 0, false
	}
	if a == b {
		return 0, true
	}
	km, ok := cityDistances[[2]string{a, b}]
	return km, ok
}

// Haversine returns the great-circle distance in km.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Asin(math.Sqrt(a))
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }
