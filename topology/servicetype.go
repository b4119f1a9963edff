package topology

import "fmt"

type ServiceType int

const (
	ServiceTypeKeyValue ServiceType = iota
	ServiceTypeQuery
	ServiceTypeSearch
	ServiceTypeAnalytics
	ServiceTypeViews
	ServiceTypeManagement
)

var allServiceTypes = []ServiceType{
	ServiceTypeKeyValue,
	ServiceTypeQuery,
	ServiceTypeSearch,
	ServiceTypeAnalytics,
	ServiceTypeViews,
	ServiceTypeManagement,
}

func (s ServiceType) String() string {
	switch s {
	case ServiceTypeKeyValue:
		return "kv"
	case ServiceTypeQuery:
		return "query"
	case ServiceTypeSearch:
		return "search"
	case ServiceTypeAnalytics:
		return "analytics"
	case ServiceTypeViews:
		return "views"
	case ServiceTypeManagement:
		return "mgmt"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}
