package gtfsmerge

// NOTE: Skipped declaring
//   - translations (record_id depends on table_name), fare v2 tables, flex location tables.
//     Those are carried through merges as unknown tables.

// scopeKind marks a column holding an identifier that may be feed-scoped during a merge.
type scopeKind int

const (
	scopeNone scopeKind = iota
	scopeAgency
	scopeRoute
	scopeStop
	scopeTrip
	scopeService
	scopeShape
	scopeLevel
	scopeZone
	scopePathway
	scopeFare
	scopeArea
	scopeNetwork
	scopeAttribution
	scopeRiderCategory
)

var scopeKinds = []scopeKind{
	scopeAgency, scopeRoute, scopeStop, scopeTrip, scopeService, scopeShape,
	scopeLevel, scopeZone, scopePathway, scopeFare, scopeArea, scopeNetwork, scopeAttribution, scopeRiderCategory,
}

func (k scopeKind) String() string {
	switch k {
	case scopeAgency:
		return "agency_id"
	case scopeRoute:
		return "route_id"
	case scopeStop:
		return "stop_id"
	case scopeTrip:
		return "trip_id"
	case scopeService:
		return "service_id"
	case scopeShape:
		return "shape_id"
	case scopeLevel:
		return "level_id"
	case scopeZone:
		return "zone_id"
	case scopePathway:
		return "pathway_id"
	case scopeFare:
		return "fare_id"
	case scopeArea:
		return "area_id"
	case scopeNetwork:
		return "network_id"
	case scopeAttribution:
		return "attribution_id"
	case scopeRiderCategory:
		return "rider_category_id"
	default:
		return "none"
	}
}

// tableFamily decides how the table merger treats a table's rows.
type tableFamily int

const (
	familyIndependent tableFamily = iota
	familyTrips
	familyTripDependent
	familyCalendar
	familyCalendarDates
	familyCalendarShadow
	familySingleton
)

type tableSchema struct {
	Name       string
	PrimaryKey []string
	Family     tableFamily
	Columns    []columnSchema
	// Owner is the table whose primary key this table's key scopes, e.g. stop_times rows belong to a trip.
	Owner scopeKind
}

type columnSchema struct {
	Name      string
	Scope     scopeKind
	ForeignID *foreignIDSchema
}

type foreignIDSchema struct {
	Table  string
	Column string
	AnyOf  []foreignIDSchema
}

func col(name string) columnSchema {
	return columnSchema{Name: name}
}

func key(name string, scope scopeKind) columnSchema {
	return columnSchema{Name: name, Scope: scope}
}

func ref(name string, scope scopeKind, table, column string) columnSchema {
	return columnSchema{Name: name, Scope: scope, ForeignID: &foreignIDSchema{Table: table, Column: column}}
}

var serviceRef = &foreignIDSchema{AnyOf: []foreignIDSchema{
	{Table: "calendar", Column: "service_id"},
	{Table: "calendar_dates", Column: "service_id"},
}}

// catalog lists the tables the merge engine understands, in output order.
var catalog = []tableSchema{
	{
		Name:       "agency",
		PrimaryKey: []string{"agency_id"},
		Columns: []columnSchema{
			key("agency_id", scopeAgency), col("agency_name"), col("agency_url"), col("agency_timezone"),
			col("agency_lang"), col("agency_phone"), col("agency_fare_url"), col("agency_email"),
		},
	},
	{
		Name:       "levels",
		PrimaryKey: []string{"level_id"},
		Columns:    []columnSchema{key("level_id", scopeLevel), col("level_index"), col("level_name")},
	},
	{
		Name:       "stops",
		PrimaryKey: []string{"stop_id"},
		Columns: []columnSchema{
			key("stop_id", scopeStop), col("stop_code"), col("stop_name"), col("tts_stop_name"), col("stop_desc"),
			col("stop_lat"), col("stop_lon"), key("zone_id", scopeZone), col("stop_url"), col("location_type"),
			ref("parent_station", scopeStop, "stops", "stop_id"), col("stop_timezone"), col("wheelchair_boarding"),
			ref("level_id", scopeLevel, "levels", "level_id"), col("platform_code"),
		},
	},
	{
		Name:       "routes",
		PrimaryKey: []string{"route_id"},
		Columns: []columnSchema{
			key("route_id", scopeRoute), ref("agency_id", scopeAgency, "agency", "agency_id"),
			col("route_short_name"), col("route_long_name"), col("route_desc"), col("route_type"), col("route_url"),
			col("route_color"), col("route_text_color"), col("route_sort_order"), col("continuous_pickup"),
			col("continuous_drop_off"), key("network_id", scopeNetwork),
		},
	},
	{
		Name:       "calendar",
		PrimaryKey: []string{"service_id"},
		Family:     familyCalendar,
		Owner:      scopeService,
		Columns: []columnSchema{
			key("service_id", scopeService), col("monday"), col("tuesday"), col("wednesday"), col("thursday"),
			col("friday"), col("saturday"), col("sunday"), col("start_date"), col("end_date"),
		},
	},
	{
		// calendar_dates defines services on its own, so service_id has no foreign key here.
		Name:       "calendar_dates",
		PrimaryKey: []string{"service_id", "date"},
		Family:     familyCalendarDates,
		Owner:      scopeService,
		Columns:    []columnSchema{key("service_id", scopeService), col("date"), col("exception_type")},
	},
	{
		Name:       "calendar_attributes",
		PrimaryKey: []string{"service_id"},
		Family:     familyCalendarShadow,
		Owner:      scopeService,
		Columns: []columnSchema{
			ref("service_id", scopeService, "calendar", "service_id"), col("service_description"),
		},
	},
	{
		Name:       "shapes",
		PrimaryKey: []string{"shape_id", "shape_pt_sequence"},
		Owner:      scopeShape,
		Columns: []columnSchema{
			key("shape_id", scopeShape), col("shape_pt_lat"), col("shape_pt_lon"), col("shape_pt_sequence"),
			col("shape_dist_traveled"),
		},
	},
	{
		Name:       "trips",
		PrimaryKey: []string{"trip_id"},
		Family:     familyTrips,
		Owner:      scopeTrip,
		Columns: []columnSchema{
			ref("route_id", scopeRoute, "routes", "route_id"),
			{Name: "service_id", Scope: scopeService, ForeignID: serviceRef},
			key("trip_id", scopeTrip), col("trip_headsign"), col("trip_short_name"), col("direction_id"),
			col("block_id"), ref("shape_id", scopeShape, "shapes", "shape_id"), col("wheelchair_accessible"),
			col("bikes_allowed"),
		},
	},
	{
		Name:       "stop_times",
		PrimaryKey: []string{"trip_id", "stop_sequence"},
		Family:     familyTripDependent,
		Owner:      scopeTrip,
		Columns: []columnSchema{
			ref("trip_id", scopeTrip, "trips", "trip_id"), col("arrival_time"), col("departure_time"),
			ref("stop_id", scopeStop, "stops", "stop_id"), col("stop_sequence"), col("stop_headsign"),
			col("pickup_type"), col("drop_off_type"), col("continuous_pickup"), col("continuous_drop_off"),
			col("shape_dist_traveled"), col("timepoint"),
		},
	},
	{
		Name:       "frequencies",
		PrimaryKey: []string{"trip_id", "start_time"},
		Family:     familyTripDependent,
		Owner:      scopeTrip,
		Columns: []columnSchema{
			ref("trip_id", scopeTrip, "trips", "trip_id"), col("start_time"), col("end_time"),
			col("headway_secs"), col("exact_times"),
		},
	},
	{
		Name:       "transfers",
		PrimaryKey: []string{"from_stop_id", "to_stop_id", "from_trip_id", "to_trip_id", "from_route_id", "to_route_id"},
		Columns: []columnSchema{
			ref("from_stop_id", scopeStop, "stops", "stop_id"), ref("to_stop_id", scopeStop, "stops", "stop_id"),
			ref("from_route_id", scopeRoute, "routes", "route_id"), ref("to_route_id", scopeRoute, "routes", "route_id"),
			ref("from_trip_id", scopeTrip, "trips", "trip_id"), ref("to_trip_id", scopeTrip, "trips", "trip_id"),
			col("transfer_type"), col("min_transfer_time"),
		},
	},
	{
		Name:       "pathways",
		PrimaryKey: []string{"pathway_id"},
		Columns: []columnSchema{
			key("pathway_id", scopePathway), ref("from_stop_id", scopeStop, "stops", "stop_id"),
			ref("to_stop_id", scopeStop, "stops", "stop_id"), col("pathway_mode"), col("is_bidirectional"),
			col("length"), col("traversal_time"), col("stair_count"), col("max_slope"), col("min_width"),
			col("signposted_as"), col("reversed_signposted_as"),
		},
	},
	{
		Name:       "fare_attributes",
		PrimaryKey: []string{"fare_id"},
		Columns: []columnSchema{
			key("fare_id", scopeFare), col("price"), col("currency_type"), col("payment_method"), col("transfers"),
			ref("agency_id", scopeAgency, "agency", "agency_id"), col("transfer_duration"),
		},
	},
	{
		Name:       "fare_rules",
		PrimaryKey: []string{"fare_id", "route_id", "origin_id", "destination_id", "contains_id"},
		Columns: []columnSchema{
			ref("fare_id", scopeFare, "fare_attributes", "fare_id"), ref("route_id", scopeRoute, "routes", "route_id"),
			key("origin_id", scopeZone), key("destination_id", scopeZone), key("contains_id", scopeZone),
		},
	},
	{
		Name:       "areas",
		PrimaryKey: []string{"area_id"},
		Columns:    []columnSchema{key("area_id", scopeArea), col("area_name")},
	},
	{
		Name:       "stop_areas",
		PrimaryKey: []string{"area_id", "stop_id"},
		Columns: []columnSchema{
			ref("area_id", scopeArea, "areas", "area_id"), ref("stop_id", scopeStop, "stops", "stop_id"),
		},
	},
	{
		Name:       "networks",
		PrimaryKey: []string{"network_id"},
		Columns:    []columnSchema{key("network_id", scopeNetwork), col("network_name")},
	},
	{
		Name:       "route_networks",
		PrimaryKey: []string{"route_id"},
		Columns: []columnSchema{
			ref("network_id", scopeNetwork, "networks", "network_id"), ref("route_id", scopeRoute, "routes", "route_id"),
		},
	},
	{
		Name:       "attributions",
		PrimaryKey: []string{"attribution_id"},
		Columns: []columnSchema{
			key("attribution_id", scopeAttribution), ref("agency_id", scopeAgency, "agency", "agency_id"),
			ref("route_id", scopeRoute, "routes", "route_id"), ref("trip_id", scopeTrip, "trips", "trip_id"),
			col("organization_name"), col("is_producer"), col("is_operator"), col("is_authority"),
			col("attribution_url"), col("attribution_email"), col("attribution_phone"),
		},
	},
	{
		Name:   "feed_info",
		Family: familySingleton,
		Columns: []columnSchema{
			col("feed_publisher_name"), col("feed_publisher_url"), col("feed_lang"), col("default_lang"),
			col("feed_start_date"), col("feed_end_date"), col("feed_version"), col("feed_contact_email"),
			col("feed_contact_url"),
		},
	},

	// GTFS+ extension tables.
	{
		Name:       "directions",
		PrimaryKey: []string{"route_id", "direction_id"},
		Columns: []columnSchema{
			ref("route_id", scopeRoute, "routes", "route_id"), col("direction_id"), col("direction"),
		},
	},
	{
		Name:       "route_attributes",
		PrimaryKey: []string{"route_id"},
		Columns: []columnSchema{
			ref("route_id", scopeRoute, "routes", "route_id"), col("category"), col("subcategory"), col("running_way"),
		},
	},
	{
		Name:       "stop_attributes",
		PrimaryKey: []string{"stop_id"},
		Columns: []columnSchema{
			ref("stop_id", scopeStop, "stops", "stop_id"), col("accessibility_id"), col("cardinal_direction"),
			col("relative_position"), col("stop_city"),
		},
	},
	{
		Name:       "farezone_attributes",
		PrimaryKey: []string{"zone_id"},
		Columns:    []columnSchema{key("zone_id", scopeZone), col("zone_name")},
	},
	{
		Name:       "rider_categories",
		PrimaryKey: []string{"rider_category_id"},
		Columns:    []columnSchema{key("rider_category_id", scopeRiderCategory), col("rider_category_description")},
	},
	{
		Name:       "fare_rider_categories",
		PrimaryKey: []string{"fare_id", "rider_category_id"},
		Columns: []columnSchema{
			ref("fare_id", scopeFare, "fare_attributes", "fare_id"),
			ref("rider_category_id", scopeRiderCategory, "rider_categories", "rider_category_id"), col("price"),
		},
	},
	{
		Name:       "realtime_routes",
		PrimaryKey: []string{"route_id"},
		Columns: []columnSchema{
			ref("route_id", scopeRoute, "routes", "route_id"), col("realtime_enabled"), col("realtime_routename"),
			col("realtime_routecode"),
		},
	},
	{
		Name:       "timepoints",
		PrimaryKey: []string{"trip_id", "stop_id"},
		Family:     familyTripDependent,
		Owner:      scopeTrip,
		Columns: []columnSchema{
			ref("trip_id", scopeTrip, "trips", "trip_id"), ref("stop_id", scopeStop, "stops", "stop_id"),
		},
	},
	{
		Name:       "realtime_stops",
		PrimaryKey: []string{"trip_id", "stop_id"},
		Family:     familyTripDependent,
		Owner:      scopeTrip,
		Columns: []columnSchema{
			ref("trip_id", scopeTrip, "trips", "trip_id"), ref("stop_id", scopeStop, "stops", "stop_id"),
			col("realtime_stop_id"),
		},
	},
}

var catalogByName = indexCatalog()

func indexCatalog() map[string]*tableSchema {
	out := make(map[string]*tableSchema, len(catalog))
	for i := range catalog {
		out[catalog[i].Name] = &catalog[i]
	}
	return out
}

func lookupSchema(table string) (*tableSchema, bool) {
	s, ok := catalogByName[table]
	return s, ok
}

// primaryTable names the table whose primary key defines each scoped identifier.
var primaryTable = map[scopeKind]string{
	scopeAgency:  "agency",
	scopeRoute:   "routes",
	scopeStop:    "stops",
	scopeTrip:    "trips",
	scopeService: "calendar",
	scopeShape:   "shapes",
}

// requiredTables must be present in every merge input. A feed also needs calendar or calendar_dates.
var requiredTables = []string{"agency", "stops", "routes", "trips", "stop_times"}

func (s *tableSchema) column(name string) *columnSchema {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return &s.Columns[i]
		}
	}
	return nil
}

func (s *tableSchema) columnNames() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// scopeOf reports which identifier kind a column of this table holds.
func (s *tableSchema) scopeOf(column string) scopeKind {
	if c := s.column(column); c != nil {
		return c.Scope
	}
	return scopeNone
}
