package config

// Paras is the flat set of command-line derived arguments. It is built once
// at process start and is only rewritten wholesale when resuming from a
// checkpoint, where the stored arguments win field by field.
type Paras struct {
	Resume          string `json:"resume"`
	Run             string `json:"run"`
	Config          string `json:"config"`
	Name            string `json:"name"`
	Ckpdir          string `json:"ckpdir"`
	Seed            int    `json:"seed"`
	Test            string `json:"test"`
	CPU             bool   `json:"cpu"`
	MultiGPU        bool   `json:"multi_gpu"`
	TestReconstruct bool   `json:"test_reconstruct"`
	OnlineConfig    string `json:"online_config"`
	GPU             bool   `json:"gpu"`
}

// OverrideFrom applies the arguments stored in a checkpoint over the current
// ones. Every overridable field is enumerated here so resume-time behavior
// is visible in one place; the checkpoint value wins for each.
func (p *Paras) OverrideFrom(saved Paras) {
	p.Run = saved.Run
	p.Config = saved.Config
	p.Name = saved.Name
	p.Ckpdir = saved.Ckpdir
	p.Seed = saved.Seed
	p.Test = saved.Test
	p.CPU = saved.CPU
	p.MultiGPU = saved.MultiGPU
	p.TestReconstruct = saved.TestReconstruct
	p.OnlineConfig = saved.OnlineConfig
	p.GPU = saved.GPU
}
