package models

// CapabilityType identifies the specialist capability a task is routed
// to. The set is closed; routing and knowledge filtering key off it.
type CapabilityType string

const (
	MarketingCapability         CapabilityType = "marketing"
	FrontendDeveloperCapability CapabilityType = "frontend_developer"
	BackendDeveloperCapability  CapabilityType = "backend_developer"
	MobileDeveloperCapability   CapabilityType = "mobile_developer"
	DevOpsCapability            CapabilityType = "devops"
	DataAnalystCapability       CapabilityType = "data_analyst"
	UXDesignerCapability        CapabilityType = "ux_designer"
	ProjectManagerCapability    CapabilityType = "project_manager"
	QAEngineerCapability        CapabilityType = "qa_engineer"
	ContentWriterCapability     CapabilityType = "content_writer"
)

// AllCapabilityTypes returns the known capability types in a stable
// order.
func AllCapabilityTypes() []CapabilityType {
	return []CapabilityType{
		MarketingCapability,
		FrontendDeveloperCapability,
		BackendDeveloperCapability,
		MobileDeveloperCapability,
		DevOpsCapability,
		DataAnalystCapability,
		UXDesignerCapability,
		ProjectManagerCapability,
		QAEngineerCapability,
		ContentWriterCapability,
	}
}

// Valid returns true if the type is a known value.
func (c CapabilityType) Valid() bool {
	for _, known := range AllCapabilityTypes() {
		if c == known {
			return true
		}
	}
	return false
}
