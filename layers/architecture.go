package layers

// Layer group indices of ChestXRayNet
const (
	GroupStem       = 0
	GroupFeatures   = 1
	GroupClassifier = 2
)

// ChestXRayNet returns the default single-logit classifier for square
// 3-channel images. It is a small convolutional stand-in for a DenseNet
// backbone, split into three layer groups (stem, features, classifier)
// so that gradual unfreezing and discriminative learning rates apply.
func ChestXRayNet(imageSize int) (*ModelSpec, error) {
	return NewModelBuilder([]int{1, 3, imageSize, imageSize}).
		Group(GroupStem).
		AddConv2D(16, 3, 2, 1, true, "features.conv0").
		AddReLU("features.relu0").
		AddMaxPool2D(2, 2, "features.pool0").
		Group(GroupFeatures).
		AddConv2D(32, 3, 1, 1, true, "features.block1.conv").
		AddReLU("features.block1.relu").
		AddMaxPool2D(2, 2, "features.block1.pool").
		AddConv2D(64, 3, 1, 1, true, "features.block2.conv").
		AddReLU("features.block2.relu").
		AddGlobalAvgPool2D("features.gap").
		Group(GroupClassifier).
		AddDense(1, true, "classifier").
		Compile()
}
