package constant

const (
	ProductionEnvironment = "production"

	OrderFillStreamName        = "order_fills"
	OrderFillStreamSubjectAll  = "order_fills.*"
	OrderFillStreamSubjectData = "order_fills.data"

	OrderFillQueueGroup = "maintenance_fill_group"
)
