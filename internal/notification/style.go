package notification

const (
	defaultIcon  = "🔔"
	defaultColor = "bg-gray-100 text-gray-600"
)

// Icon returns the display glyph for a notification type. Unknown types get
// the default bell.
func Icon(t Type) string {
	switch t {
	case TypeMessage:
		return "💬"
	case TypeLoad:
		return "📦"
	case TypePayment:
		return "💰"
	case TypeSystem:
		return "⚙️"
	case TypeBid:
		return "🔨"
	case TypeJob:
		return "🚚"
	default:
		return defaultIcon
	}
}

// Color returns the colour classes used to render a notification type.
func Color(t Type) string {
	switch t {
	case TypeMessage:
		return "bg-blue-100 text-blue-600"
	case TypeLoad:
		return "bg-orange-100 text-orange-600"
	case TypePayment:
		return "bg-green-100 text-green-600"
	case TypeSystem:
		return "bg-gray-100 text-gray-600"
	case TypeBid:
		return "bg-purple-100 text-purple-600"
	case TypeJob:
		return "bg-yellow-100 text-yellow-600"
	default:
		return defaultColor
	}
}
