package amc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// testCentral builds one group containing one area containing two zones,
// with every on/armed bit settable from the test.
func testCentral(groupOn, areaOn int, areaNotification string) *CentralState {
	group := Entry{Index: 0, Name: "Casa", ID: 1, Group: 1, States: StateBits{On: groupOn}}
	area := Entry{
		Index: 0, Name: "Perimetro", ID: 2, Group: 2,
		States:  StateBits{On: areaOn},
		Filters: []string{"1.0"},
	}
	if areaNotification != "" {
		area.Notifications = []NotificationEntry{{Name: areaNotification}}
	}
	porta := Entry{
		Index: 0, Name: "Porta", ID: 10, Group: 3,
		States:  StateBits{On: areaOn, Armed: areaOn},
		Filters: []string{"2.0"},
	}
	finestra := Entry{
		Index: 1, Name: "Finestra", ID: 11, Group: 3,
		States:  StateBits{On: areaOn, Armed: 0},
		Filters: []string{"2.0"},
	}
	return &CentralState{
		Status:   "AMC X864V/4.10",
		StatusID: 1,
		Sections: map[int]*Section{
			SectionGroups: {Index: SectionGroups, List: []Entry{group}},
			SectionAreas:  {Index: SectionAreas, List: []Entry{area}},
			SectionZones:  {Index: SectionZones, List: []Entry{porta, finestra}},
		},
	}
}

func armOf(t *testing.T, central *CentralState, filterID string) ArmState {
	t.Helper()
	e, ok := central.Entities[filterID]
	require.True(t, ok, "no entity %s", filterID)
	return e.Arm
}

func TestComputeStatesAllDisarmed(t *testing.T) {
	central := testCentral(0, 0, "")

	armed := computeStates(central, phraseArmingDetector{})

	require.False(t, armed)
	require.False(t, central.ArmedAny)
	require.Equal(t, Disarmed, armOf(t, central, "1.0"))
	require.Equal(t, Disarmed, armOf(t, central, "2.0"))
	require.Equal(t, Disarmed, armOf(t, central, "3.0"))
}

func TestComputeStatesArmed(t *testing.T) {
	central := testCentral(1, 1, "")

	require.True(t, computeStates(central, phraseArmingDetector{}))
	require.True(t, central.ArmedAny)
	require.Equal(t, Armed, armOf(t, central, "1.0"))
	require.Equal(t, Armed, armOf(t, central, "2.0"))
	// armed bit set and on bit set
	require.Equal(t, Armed, armOf(t, central, "3.0"))
	// on bit set but armed bit clear
	require.Equal(t, Disarmed, armOf(t, central, "3.1"))
}

func TestComputeStatesArmingPropagates(t *testing.T) {
	central := testCentral(1, 1, "Inserimento Perimetro")

	require.True(t, computeStates(central, phraseArmingDetector{}))
	require.Equal(t, Arming, armOf(t, central, "2.0"))
	// the armed zone inside the arming area follows it down
	require.Equal(t, Arming, armOf(t, central, "3.0"))
	// the group containing the arming area follows it up
	require.Equal(t, Arming, armOf(t, central, "1.0"))
}

func TestComputeStatesForcedArmingPropagates(t *testing.T) {
	central := testCentral(1, 1, "Inserimento Forzato Perimetro")

	require.True(t, computeStates(central, phraseArmingDetector{}))
	require.Equal(t, Arming, armOf(t, central, "2.0"))
}

func TestComputeStatesArmingFinished(t *testing.T) {
	central := testCentral(1, 1, "Inserimento Concluso Perimetro")

	require.True(t, computeStates(central, phraseArmingDetector{}))
	require.Equal(t, Armed, armOf(t, central, "2.0"))
	require.Equal(t, Armed, armOf(t, central, "1.0"))
}

func TestComputeStatesOtherEntryArmingDoesNotMatch(t *testing.T) {
	// the phrase names a different entry, so nothing demotes
	central := testCentral(1, 1, "Inserimento Garage")

	require.True(t, computeStates(central, phraseArmingDetector{}))
	require.Equal(t, Armed, armOf(t, central, "2.0"))
}

func TestComputeStatesSiblingAreaUnaffectedByArming(t *testing.T) {
	group := Entry{Index: 0, Name: "Casa", ID: 1, Group: 1, States: StateBits{On: 1}}
	perimetro := Entry{
		Index: 0, Name: "Perimetro", ID: 2, Group: 2,
		States:  StateBits{On: 1},
		Filters: []string{"1.0"},
	}
	notte := Entry{
		Index: 1, Name: "Notte", ID: 3, Group: 2,
		States:        StateBits{On: 1},
		Filters:       []string{"1.0"},
		Notifications: []NotificationEntry{{Name: "Inserimento Notte"}},
	}
	porta := Entry{
		Index: 0, Name: "Porta", ID: 10, Group: 3,
		States:  StateBits{On: 1, Armed: 1},
		Filters: []string{"2.0"},
	}
	cucina := Entry{
		Index: 1, Name: "Cucina", ID: 11, Group: 3,
		States:  StateBits{On: 1, Armed: 1},
		Filters: []string{"2.1"},
	}
	central := &CentralState{
		Status:   "AMC X864V/4.10",
		StatusID: 1,
		Sections: map[int]*Section{
			SectionGroups: {Index: SectionGroups, List: []Entry{group}},
			SectionAreas:  {Index: SectionAreas, List: []Entry{perimetro, notte}},
			SectionZones:  {Index: SectionZones, List: []Entry{porta, cucina}},
		},
	}

	require.True(t, computeStates(central, phraseArmingDetector{}))
	// only the named area demotes; its zone and the enclosing group follow
	require.Equal(t, Arming, armOf(t, central, "2.1"))
	require.Equal(t, Arming, armOf(t, central, "3.1"))
	require.Equal(t, Arming, armOf(t, central, "1.0"))
	// the sibling armed area and its zone stay put
	require.Equal(t, Armed, armOf(t, central, "2.0"))
	require.Equal(t, Armed, armOf(t, central, "3.0"))
}

func TestComputeStatesAnomaly(t *testing.T) {
	central := testCentral(1, 1, "")
	central.Sections[SectionAreas].List[0].States.Anomaly = 1

	require.True(t, computeStates(central, phraseArmingDetector{}))
	require.Equal(t, Triggered, armOf(t, central, "2.0"))
}

func TestComputeStatesArmingWithProblem(t *testing.T) {
	central := testCentral(1, 1, "Inserimento Perimetro")
	central.Sections[SectionAreas].List[0].States.Anomaly = 1

	require.True(t, computeStates(central, phraseArmingDetector{}))
	require.Equal(t, ArmingWithProblem, armOf(t, central, "2.0"))
}

func TestComputeStatesAnomalyWhileDisarmedIsIgnored(t *testing.T) {
	central := testCentral(0, 0, "")
	central.Sections[SectionZones].List[0].States.Anomaly = 1

	require.False(t, computeStates(central, phraseArmingDetector{}))
	require.Equal(t, Disarmed, armOf(t, central, "3.0"))
}

func TestComputeStatesEnglishPhrases(t *testing.T) {
	central := testCentral(1, 1, "Arming Perimetro")
	require.True(t, computeStates(central, phraseArmingDetector{}))
	require.Equal(t, Arming, armOf(t, central, "2.0"))

	central = testCentral(1, 1, "Arming Finished Perimetro")
	require.True(t, computeStates(central, phraseArmingDetector{}))
	require.Equal(t, Armed, armOf(t, central, "2.0"))
}
