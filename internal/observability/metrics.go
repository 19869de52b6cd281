package observability

const (
	MUsecaseRequests         MetricKey = "usecase_requests_total"
	MUsecaseDuration         MetricKey = "usecase_duration_seconds"
	MHTTPRequests            MetricKey = "http_requests_total"
	MHTTPRequestDuration     MetricKey = "http_request_duration_seconds"
	MExternalRequests        MetricKey = "external_requests_total"
	MExternalRequestDuration MetricKey = "external_request_duration_seconds"
	MFeedEvents              MetricKey = "feed_events_total"
	MNotifications           MetricKey = "notifications_total"
	MStockClamped            MetricKey = "stock_clamped_total"
	MStockRetries            MetricKey = "stock_decrement_retries_total"
)
